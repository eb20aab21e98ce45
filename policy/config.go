package policy

import (
	"github.com/yairfalse/cureiam/internal/filter"
	"github.com/yairfalse/cureiam/types"
)

// DefaultMinScore is the safe-to-apply threshold used for every account
// type not configured otherwise
const DefaultMinScore = 60

// Config controls which recommendations may be applied.
//
// Allowlists for projects and accounts are unrestricted when nil. Blocklists
// veto regardless of allowlist membership.
type Config struct {
	ModeScan    bool `mapstructure:"mode_scan"`
	ModeEnforce bool `mapstructure:"mode_enforce"`

	AllowlistProjects     []string `mapstructure:"allowlist_projects"`
	BlocklistProjects     []string `mapstructure:"blocklist_projects"`
	AllowlistAccounts     []string `mapstructure:"allowlist_accounts"`
	BlocklistAccounts     []string `mapstructure:"blocklist_accounts"`
	AllowlistAccountTypes []string `mapstructure:"allowlist_account_types"`
	BlocklistAccountTypes []string `mapstructure:"blocklist_account_types"`

	MinScoreUser           *int `mapstructure:"min_safe_to_apply_score_user"`
	MinScoreGroup          *int `mapstructure:"min_safe_to_apply_score_group"`
	MinScoreServiceAccount *int `mapstructure:"min_safe_to_apply_score_SA"`

	// Rego policy files whose data.cureiam.enforce.deny rules may veto
	PolicyPaths []string `mapstructure:"policy_paths"`
	JournalDir  string   `mapstructure:"journal_dir"`
	KeyFilePath string   `mapstructure:"key_file_path"`
	// Rollback restores the original policy when marking succeeded fails
	Rollback bool `mapstructure:"rollback"`

	projects     *filter.Filter
	accounts     *filter.Filter
	accountTypes *filter.Filter
}

// DefaultConfig returns a scan-only config with the default account type lists
func DefaultConfig() Config {
	cfg := Config{ModeScan: true}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.AllowlistAccountTypes == nil {
		c.AllowlistAccountTypes = []string{types.AccountTypeUser, types.AccountTypeGroup}
	}
	if c.BlocklistAccountTypes == nil {
		c.BlocklistAccountTypes = []string{types.AccountTypeServiceAccount}
	}
	c.projects = filter.New(c.AllowlistProjects, c.BlocklistProjects)
	c.accounts = filter.New(c.AllowlistAccounts, c.BlocklistAccounts)
	c.accountTypes = filter.New(c.AllowlistAccountTypes, c.BlocklistAccountTypes)
}

// MinScore returns the threshold for accountType
func (c *Config) MinScore(accountType string) int {
	var v *int
	switch accountType {
	case types.AccountTypeUser:
		v = c.MinScoreUser
	case types.AccountTypeGroup:
		v = c.MinScoreGroup
	case types.AccountTypeServiceAccount:
		v = c.MinScoreServiceAccount
	}
	if v == nil {
		return DefaultMinScore
	}
	return *v
}
