// Package elastic indexes audit records into Elasticsearch with the bulk API.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// StoreClass is the registered class path
const StoreClass = "elastic.store"

// Defaults
const (
	DefaultIndex      = "iam_recommending"
	DefaultBufferSize = 5000000
)

// Params are the elastic.store parameters. buffer_size is the number of
// bytes buffered before a bulk request is sent.
type Params struct {
	Hosts      []string `mapstructure:"hosts"`
	Index      string   `mapstructure:"index"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	BufferSize int      `mapstructure:"buffer_size"`
}

// Store hands records to a bulk indexer, which sends a request whenever its
// buffer reaches buffer_size bytes and on shutdown
type Store struct {
	indexer esutil.BulkIndexer
	index   string
	now     func() time.Time
	logger  *telemetry.Logger
}

// New creates a store
func New(params Params, transport http.RoundTripper, logger *telemetry.Logger) (*Store, error) {
	if len(params.Hosts) == 0 {
		params.Hosts = []string{"http://localhost:9200"}
	}
	if params.Index == "" {
		params.Index = DefaultIndex
	}
	if params.BufferSize <= 0 {
		params.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = telemetry.NewLogger("elastic-store")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: params.Hosts,
		Username:  params.Username,
		Password:  params.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     client,
		Index:      params.Index,
		NumWorkers: 1,
		FlushBytes: params.BufferSize,
		OnError: func(ctx context.Context, err error) {
			logger.WithContext(ctx).Error().Err(err).Msg("bulk request failed")
		},
		OnFlushEnd: func(ctx context.Context) {
			logger.WithContext(ctx).Debug().Str("index", params.Index).Msg("bulk flush done")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk indexer: %w", err)
	}

	return &Store{
		indexer: indexer,
		index:   params.Index,
		now:     time.Now,
		logger:  logger,
	}, nil
}

func newStorePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params Params
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	return New(params, nil, env.Logger)
}

// Register adds the store to r
func Register(r *plugin.Registry) {
	r.MustRegister(StoreClass, plugin.CapabilitySink, newStorePlugin)
}

type document struct {
	*types.Record
	Timestamp string `json:"timestamp"`
}

// Write queues rec for the next bulk request
func (s *Store) Write(ctx context.Context, rec *types.Record) error {
	doc, err := json.Marshal(document{Record: rec, Timestamp: s.now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.indexer.Add(ctx, esutil.BulkIndexerItem{
		Action: "index",
		Body:   bytes.NewReader(doc),
		OnFailure: func(ctx context.Context, _ esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
			event := s.logger.WithContext(ctx).Debug().Int("status", res.Status)
			if err != nil {
				event = event.Err(err)
			} else {
				event = event.Str("reason", res.Error.Reason)
			}
			event.Msg("failed to index record")
		},
	})
}

// Indexed returns the number of records indexed successfully
func (s *Store) Indexed() int { return int(s.indexer.Stats().NumIndexed) }

// Shutdown flushes pending records and reports records that failed
func (s *Store) Shutdown(ctx context.Context) error {
	if err := s.indexer.Close(ctx); err != nil {
		return fmt.Errorf("close bulk indexer: %w", err)
	}
	stats := s.indexer.Stats()
	s.logger.WithContext(ctx).Info().
		Uint64("indexed", stats.NumIndexed).
		Uint64("failed", stats.NumFailed).
		Uint64("requests", stats.NumRequests).
		Str("index", s.index).
		Msg("indexed records")
	if stats.NumFailed > 0 {
		return fmt.Errorf("bulk index: %d records failed", stats.NumFailed)
	}
	return nil
}
