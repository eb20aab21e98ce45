package storage

import "testing"

// TestInterfaceCompliance verifies MVCCStorage implements all interfaces
func TestInterfaceCompliance(t *testing.T) {
	var _ Storage = (*MVCCStorage)(nil)
	var _ RecordWriter = (*MVCCStorage)(nil)
	var _ RecordReader = (*MVCCStorage)(nil)
	var _ EnforcementStorage = (*MVCCStorage)(nil)
	var _ Compactor = (*MVCCStorage)(nil)
	var _ StorageStats = (*MVCCStorage)(nil)
	var _ Lifecycle = (*MVCCStorage)(nil)
}
