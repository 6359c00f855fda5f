package sinks

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/periscope-sec/periscope/internal/models"
)

// graphSchema is applied idempotently on startup. Items and their source
// observations form the graph consumed by correlation queries downstream.
const graphSchema = `
CREATE TABLE IF NOT EXISTS items (
	item_id      TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	url          TEXT,
	category     TEXT NOT NULL,
	severity     TEXT NOT NULL,
	score        INT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	validated    BOOLEAN NOT NULL,
	first_seen   TIMESTAMPTZ NOT NULL,
	last_seen    TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS item_sources (
	item_id     TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
	source_id   TEXT NOT NULL,
	seen_at     TIMESTAMPTZ NOT NULL,
	credibility DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (item_id, source_id)
);
CREATE TABLE IF NOT EXISTS item_iocs (
	item_id TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
	kind    TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (item_id, kind, value)
);
CREATE INDEX IF NOT EXISTS idx_items_severity ON items(severity);
CREATE INDEX IF NOT EXISTS idx_item_iocs_value ON item_iocs(value);
`

const upsertItemSQL = `
INSERT INTO items (item_id, title, url, category, severity, score, confidence, validated, first_seen, last_seen, published_at)
VALUES (:item_id, :title, :url, :category, :severity, :score, :confidence, :validated, :first_seen, :last_seen, :published_at)
ON CONFLICT (item_id) DO UPDATE SET
	title        = EXCLUDED.title,
	severity     = EXCLUDED.severity,
	score        = EXCLUDED.score,
	confidence   = EXCLUDED.confidence,
	validated    = EXCLUDED.validated,
	last_seen    = EXCLUDED.last_seen,
	published_at = COALESCE(items.published_at, EXCLUDED.published_at)
`

const upsertSourceSQL = `
INSERT INTO item_sources (item_id, source_id, seen_at, credibility)
VALUES ($1, $2, $3, $4)
ON CONFLICT (item_id, source_id) DO UPDATE SET
	seen_at     = EXCLUDED.seen_at,
	credibility = GREATEST(item_sources.credibility, EXCLUDED.credibility)
`

const upsertIOCSQL = `
INSERT INTO item_iocs (item_id, kind, value)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`

// GraphSink mirrors items into Postgres for relational and IOC-pivot queries.
type GraphSink struct {
	db *sqlx.DB
}

// NewGraphSink connects to Postgres and ensures the schema.
func NewGraphSink(dsn string) (*GraphSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("graph sink connect: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph sink schema: %w", err)
	}
	return &GraphSink{db: db}, nil
}

// NewGraphSinkWithDB wraps an existing connection; used by tests.
func NewGraphSinkWithDB(db *sqlx.DB) *GraphSink { return &GraphSink{db: db} }

// Name implements Sink.
func (g *GraphSink) Name() string { return "graph" }

// Close releases the connection pool.
func (g *GraphSink) Close() error { return g.db.Close() }

// Deliver upserts the item and its source and IOC edges in one transaction.
func (g *GraphSink) Deliver(ctx context.Context, item *models.Item) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph begin: %w", err)
	}
	defer tx.Rollback()

	row := map[string]any{
		"item_id":      item.ItemID,
		"title":        item.Title,
		"url":          item.URL,
		"category":     string(item.Category),
		"severity":     string(item.Severity),
		"score":        item.Score,
		"confidence":   item.Confidence,
		"validated":    item.Validated,
		"first_seen":   item.FirstSeen,
		"last_seen":    item.LastSeen,
		"published_at": item.PublishedAt,
	}
	if _, err := tx.NamedExecContext(ctx, upsertItemSQL, row); err != nil {
		return fmt.Errorf("graph upsert item %s: %w", item.ItemID, err)
	}
	for _, ref := range item.Sources {
		if _, err := tx.ExecContext(ctx, upsertSourceSQL, item.ItemID, ref.SourceID, ref.SeenAt, ref.Credibility); err != nil {
			return fmt.Errorf("graph upsert source edge %s->%s: %w", item.ItemID, ref.SourceID, err)
		}
	}
	for kind, values := range map[string][]string{
		"ip": item.IOCs.IPs, "domain": item.IOCs.Domains, "url": item.IOCs.URLs,
		"hash": item.IOCs.Hashes, "email": item.IOCs.Emails, "cve": item.IOCs.CVEs,
	} {
		for _, v := range values {
			if _, err := tx.ExecContext(ctx, upsertIOCSQL, item.ItemID, kind, v); err != nil {
				return fmt.Errorf("graph upsert ioc %s: %w", v, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graph commit: %w", err)
	}
	return nil
}
