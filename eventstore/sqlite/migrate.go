package sqlite

import "context"

// Migrate creates the tables and indexes backing the store.
func (s *SQLite) Migrate(ctx context.Context) error {
	stmt := `
	create table if not exists events (global_version integer primary key autoincrement, event_id varchar not null, aggregate_id varchar not null, aggregate_type varchar not null, event_type varchar not null, version integer not null, timestamp integer not null, caused_by varchar not null default '', correlation_id varchar not null default '', metadata varchar not null default '', data blob);
	create unique index if not exists aggregate_id_version on events (aggregate_id, version);
	create index if not exists events_event_type on events (event_type);
	create index if not exists events_timestamp on events (timestamp);
	create table if not exists snapshots (aggregate_id varchar primary key, aggregate_type varchar not null, version integer not null, global_version integer not null, timestamp integer not null, state blob);
	`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}
