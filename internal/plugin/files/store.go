// Package files writes audit records to a local file as JSON lines or a
// msgpack stream.
package files

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// StoreClass is the registered class path
const StoreClass = "files.store"

// Output formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Params are the files.store parameters. A path containing {audit_version}
// gets one file per audit run.
type Params struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

type encoder interface {
	Encode(v any) error
}

// Store appends every record it receives to one file
type Store struct {
	file    *os.File
	writer  *bufio.Writer
	enc     encoder
	path    string
	written int
	logger  *telemetry.Logger
}

// New opens the output file for appending
func New(params Params, logger *telemetry.Logger) (*Store, error) {
	if params.Path == "" {
		return nil, errors.New("path is required")
	}
	if params.Format == "" {
		params.Format = FormatJSON
	}
	if logger == nil {
		logger = telemetry.NewLogger("files-store")
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.OpenFile(params.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	w := bufio.NewWriter(file)
	var enc encoder
	switch params.Format {
	case FormatJSON:
		enc = json.NewEncoder(w)
	case FormatMsgpack:
		enc = msgpack.NewEncoder(w)
	default:
		_ = file.Close()
		return nil, fmt.Errorf("unsupported format %q", params.Format)
	}

	return &Store{file: file, writer: w, enc: enc, path: params.Path, logger: logger}, nil
}

func newStorePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	params.Path = strings.ReplaceAll(params.Path, "{audit_version}", env.AuditVersion)
	return New(params, env.Logger)
}

// Register adds the store to r
func Register(r *plugin.Registry) {
	r.MustRegister(StoreClass, plugin.CapabilitySink, newStorePlugin)
}

// Write encodes rec to the file
func (s *Store) Write(_ context.Context, rec *types.Record) error {
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.written++
	return nil
}

// Shutdown flushes and closes the file
func (s *Store) Shutdown(ctx context.Context) error {
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.logger.WithContext(ctx).Info().
		Str("path", s.path).
		Int("records", s.written).
		Msg("records written")
	return errors.Join(flushErr, closeErr)
}

// ReadRecords decodes a file written by Store
func ReadRecords(path, format string) ([]*types.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var next func(v any) error
	switch format {
	case FormatJSON, "":
		next = json.NewDecoder(bufio.NewReader(file)).Decode
	case FormatMsgpack:
		next = msgpack.NewDecoder(bufio.NewReader(file)).Decode
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	var out []*types.Record
	for {
		var rec types.Record
		if err := next(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, &rec)
	}
}
