// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package bigtablestore implements store.Store on Cloud Bigtable.
package bigtablestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cloud.google.com/go/bigtable"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/elastic/cellttl/codec"
	"github.com/elastic/cellttl/internal/logs"
	"github.com/elastic/cellttl/store"
)

// Config holds the settings for connecting to a Bigtable instance.
type Config struct {
	Project  string `config:"project" validate:"required"`
	Instance string `config:"instance" validate:"required"`

	// Endpoint overrides the Bigtable API endpoint. When set, the
	// connection is made without TLS or authentication, as used by the
	// Bigtable emulator.
	Endpoint string `config:"endpoint"`

	// CredentialsFile is the path to a service account key file.
	CredentialsFile string `config:"credentials_file"`
}

// ClientOptions returns the client options described by cfg.
func (cfg Config) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts
}

// Store is a store.Store backed by Cloud Bigtable.
type Store struct {
	client *bigtable.Client
	admin  *bigtable.AdminClient
	logger *logp.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to the Bigtable instance described by cfg. Additional
// client options are appended to those derived from cfg.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Store, error) {
	opts = append(cfg.ClientOptions(), opts...)
	client, err := bigtable.NewClient(ctx, cfg.Project, cfg.Instance, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigtable client: %w", err)
	}
	admin, err := bigtable.NewAdminClient(ctx, cfg.Project, cfg.Instance, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create bigtable admin client: %w", err)
	}
	return &Store{
		client: client,
		admin:  admin,
		logger: logp.NewLogger(logs.Store).With(
			logp.String("project", cfg.Project),
			logp.String("instance", cfg.Instance),
		),
	}, nil
}

// Close closes the data and admin clients.
func (s *Store) Close() error {
	err := s.client.Close()
	if adminErr := s.admin.Close(); err == nil {
		err = adminErr
	}
	return err
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := s.admin.TableInfo(ctx, table)
	if status.Code(err) == codes.NotFound {
		return false, nil
	} else if err != nil {
		return false, wrapError(err)
	}
	return true, nil
}

func (s *Store) CreateTable(ctx context.Context, table string) error {
	if err := store.ValidateName("table", table); err != nil {
		return err
	}
	return wrapError(s.admin.CreateTable(ctx, table))
}

func (s *Store) DeleteTable(ctx context.Context, table string) error {
	if err := s.admin.DeleteTable(ctx, table); err != nil {
		return fmt.Errorf("failed to delete table %q: %w", table, wrapError(err))
	}
	s.logger.Infof("deleted table %q", table)
	return nil
}

func (s *Store) FamilyExists(ctx context.Context, table, family string) (bool, error) {
	info, err := s.admin.TableInfo(ctx, table)
	if status.Code(err) == codes.NotFound {
		return false, nil
	} else if err != nil {
		return false, wrapError(err)
	}
	for _, f := range info.Families {
		if f == family {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateFamily(ctx context.Context, table, family string, rule store.GCRule) error {
	if err := store.ValidateName("family", family); err != nil {
		return err
	}
	if err := s.admin.CreateColumnFamily(ctx, table, family); err != nil {
		return fmt.Errorf("failed to create column family %s:%s: %w", table, family, wrapError(err))
	}
	if policy, ok := gcPolicy(rule); ok {
		if err := s.admin.SetGCPolicy(ctx, table, family, policy); err != nil {
			return fmt.Errorf("failed to set gc policy for %s:%s: %w", table, family, wrapError(err))
		}
	}
	return nil
}

// gcPolicy converts rule to a Bigtable GC policy. Cells are collected when
// either limit is exceeded.
func gcPolicy(rule store.GCRule) (bigtable.GCPolicy, bool) {
	var policies []bigtable.GCPolicy
	if rule.MaxVersions > 0 {
		policies = append(policies, bigtable.MaxVersionsPolicy(rule.MaxVersions))
	}
	if rule.MaxAge > 0 {
		policies = append(policies, bigtable.MaxAgePolicy(rule.MaxAge))
	}
	switch len(policies) {
	case 0:
		return nil, false
	case 1:
		return policies[0], true
	}
	return bigtable.UnionPolicy(policies...), true
}

func (s *Store) RowExists(ctx context.Context, table, row string) (bool, error) {
	r, err := s.client.Open(table).ReadRow(ctx, row, bigtable.RowFilter(bigtable.ChainFilters(
		bigtable.CellsPerRowLimitFilter(1),
		bigtable.StripValueFilter(),
	)))
	if err != nil {
		return false, wrapError(err)
	}
	return len(r) > 0, nil
}

func (s *Store) ReadRow(ctx context.Context, table, row, family string, columns ...string) (store.Row, error) {
	r, err := s.client.Open(table).ReadRow(ctx, row, bigtable.RowFilter(cellFilter(family, columns)))
	if err != nil {
		return store.Row{}, wrapError(err)
	}
	result := convertRow(row, r)
	if result.Empty() {
		return store.Row{}, store.ErrRowNotFound
	}
	return result, nil
}

// cellFilter returns a filter selecting the latest version of cells in
// family, restricted to columns if any are given. Bigtable regular
// expressions must match the whole family name or qualifier.
func cellFilter(family string, columns []string) bigtable.Filter {
	filters := []bigtable.Filter{bigtable.FamilyFilter(regexp.QuoteMeta(family))}
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, column := range columns {
			quoted[i] = regexp.QuoteMeta(column)
		}
		filters = append(filters, bigtable.ColumnFilter(strings.Join(quoted, "|")))
	}
	filters = append(filters, bigtable.LatestNFilter(1))
	return bigtable.ChainFilters(filters...)
}

// convertRow converts a Bigtable row to a store.Row, ordering cells by
// family then column.
func convertRow(key string, r bigtable.Row) store.Row {
	result := store.Row{Key: key}
	for family, items := range r {
		for _, item := range items {
			result.Cells = append(result.Cells, store.Cell{
				Family:    family,
				Column:    strings.TrimPrefix(item.Column, family+":"),
				Value:     item.Value,
				Timestamp: item.Timestamp.Time(),
			})
		}
	}
	sort.Slice(result.Cells, func(i, j int) bool {
		a, b := result.Cells[i], result.Cells[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Column < b.Column
	})
	return result
}

func (s *Store) PutCells(ctx context.Context, table, row, family string, cells map[string][]byte) error {
	if err := store.ValidateName("row", row); err != nil {
		return err
	}
	if len(cells) == 0 {
		return nil
	}
	ts := bigtable.Now()
	m := bigtable.NewMutation()
	for column, value := range cells {
		m.Set(family, column, ts, value)
	}
	return wrapError(s.client.Open(table).Apply(ctx, row, m))
}

func (s *Store) IncrementCell(ctx context.Context, table, row, family, column string, delta int64) (int64, error) {
	if err := store.ValidateName("row", row); err != nil {
		return 0, err
	}
	rmw := bigtable.NewReadModifyWrite()
	rmw.Increment(family, column, delta)
	r, err := s.client.Open(table).ApplyReadModifyWrite(ctx, row, rmw)
	if err != nil {
		return 0, wrapError(err)
	}
	cell := convertRow(row, r).Cell(family, column)
	if cell == nil {
		return 0, fmt.Errorf("increment of %s:%s returned no cell", family, column)
	}
	return codec.Counter(cell.Value)
}

func (s *Store) DeleteCells(ctx context.Context, table, row, family string, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	m := bigtable.NewMutation()
	for _, column := range columns {
		m.DeleteCellsInColumn(family, column)
	}
	return wrapError(s.client.Open(table).Apply(ctx, row, m))
}

func (s *Store) DeleteRow(ctx context.Context, table, row string) error {
	m := bigtable.NewMutation()
	m.DeleteRow()
	return wrapError(s.client.Open(table).Apply(ctx, row, m))
}

func (s *Store) Scan(ctx context.Context, table string, opts store.ScanOptions, fn func(store.Row) error) error {
	rowSet := bigtable.InfiniteRange("")
	if opts.Prefix != "" {
		rowSet = bigtable.PrefixRange(opts.Prefix)
	}
	filter := bigtable.LatestNFilter(1)
	if opts.Family != "" {
		filter = cellFilter(opts.Family, nil)
	}
	readOpts := []bigtable.ReadOption{bigtable.RowFilter(filter)}
	if opts.Limit > 0 {
		readOpts = append(readOpts, bigtable.LimitRows(int64(opts.Limit)))
	}

	var innerErr error
	err := s.client.Open(table).ReadRows(ctx, rowSet, func(r bigtable.Row) bool {
		if err := fn(convertRow(r.Key(), r)); err != nil {
			if !errors.Is(err, store.ErrStopScan) {
				innerErr = err
			}
			return false
		}
		return true
	}, readOpts...)
	if err == nil {
		err = innerErr
	}
	return wrapError(err)
}

// wrapError maps Bigtable errors to store errors: missing families to
// store.ErrFamilyNotFound, missing tables to store.ErrTableNotFound, and
// retryable gRPC failures to transient errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if isFamilyNotFound(st) {
		return fmt.Errorf("%s: %w", st.Message(), store.ErrFamilyNotFound)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), store.ErrTableNotFound)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return store.Transient(err)
	}
	return err
}

var quotedName = regexp.MustCompile(`"[^"]*"`)

// isFamilyNotFound reports whether st describes a mutation naming an
// unknown column family. Bigtable reports these as NOT_FOUND, the emulator
// as UNKNOWN; both mention the family in the message.
func isFamilyNotFound(st *status.Status) bool {
	switch st.Code() {
	case codes.NotFound, codes.Unknown, codes.InvalidArgument:
		msg := strings.ToLower(quotedName.ReplaceAllString(st.Message(), ""))
		return strings.Contains(msg, "family")
	}
	return false
}
