package trovedb

import (
	"context"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/migrations"
)

func createTroveTables(ctx context.Context, env migrations.Env) error {
	_, err := env.Tx.ExecContext(ctx, `
	CREATE SCHEMA IF NOT EXISTS troves;
	CREATE TABLE troves.items (
		item_id BIGSERIAL PRIMARY KEY,
		item TEXT NOT NULL UNIQUE,
		has_trove BOOLEAN NOT NULL DEFAULT false
	);
	CREATE TABLE troves.versions (
		version_id BIGSERIAL PRIMARY KEY,
		version TEXT NOT NULL UNIQUE
	);
	CREATE TABLE troves.flavors (
		flavor_id BIGSERIAL PRIMARY KEY,
		flavor TEXT NOT NULL UNIQUE
	);
	CREATE TABLE troves.labels (
		label_id BIGSERIAL PRIMARY KEY,
		label TEXT NOT NULL UNIQUE
	);
	CREATE TABLE troves.branches (
		branch_id BIGSERIAL PRIMARY KEY,
		branch TEXT NOT NULL UNIQUE
	);
	CREATE TABLE troves.label_map (
		item_id BIGINT NOT NULL REFERENCES troves.items,
		label_id BIGINT NOT NULL REFERENCES troves.labels,
		branch_id BIGINT NOT NULL REFERENCES troves.branches,
		UNIQUE (item_id, label_id, branch_id)
	);
	CREATE TABLE troves.nodes (
		node_id BIGSERIAL PRIMARY KEY,
		item_id BIGINT NOT NULL REFERENCES troves.items,
		branch_id BIGINT NOT NULL REFERENCES troves.branches,
		version_id BIGINT NOT NULL REFERENCES troves.versions,
		timestamps TEXT NOT NULL,
		final_timestamp DOUBLE PRECISION NOT NULL,
		UNIQUE (item_id, version_id)
	);
	CREATE TABLE troves.instances (
		instance_id BIGSERIAL PRIMARY KEY,
		item_id BIGINT NOT NULL REFERENCES troves.items,
		version_id BIGINT NOT NULL REFERENCES troves.versions,
		flavor_id BIGINT NOT NULL REFERENCES troves.flavors,
		is_present SMALLINT NOT NULL DEFAULT 1,
		trove_type SMALLINT NOT NULL DEFAULT 0,
		cloned_from_id BIGINT REFERENCES troves.versions,
		UNIQUE (item_id, version_id, flavor_id)
	);
	CREATE TABLE troves.file_streams (
		stream_id BIGSERIAL PRIMARY KEY,
		file_id TEXT NOT NULL UNIQUE,
		stream BYTEA NOT NULL
	);
	CREATE TABLE troves.trove_files (
		instance_id BIGINT NOT NULL REFERENCES troves.instances ON DELETE CASCADE,
		stream_id BIGINT NOT NULL REFERENCES troves.file_streams,
		version_id BIGINT NOT NULL REFERENCES troves.versions,
		timestamps TEXT NOT NULL,
		path_id TEXT NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY (instance_id, path_id)
	);
	CREATE INDEX trove_files_stream_idx ON troves.trove_files (stream_id);
	CREATE TABLE troves.trove_troves (
		instance_id BIGINT NOT NULL REFERENCES troves.instances ON DELETE CASCADE,
		included_id BIGINT NOT NULL REFERENCES troves.instances,
		by_default BOOLEAN NOT NULL,
		weak BOOLEAN NOT NULL,
		PRIMARY KEY (instance_id, included_id)
	);
	CREATE INDEX trove_troves_included_idx ON troves.trove_troves (included_id);
	CREATE TABLE troves.trove_info (
		instance_id BIGINT PRIMARY KEY REFERENCES troves.instances ON DELETE CASCADE,
		info BYTEA NOT NULL
	);
	`)
	return errors.Wrap(err, "create trove tables")
}

func createAuthTables(ctx context.Context, env migrations.Env) error {
	_, err := env.Tx.ExecContext(ctx, `
	CREATE TABLE troves.users (
		user_id BIGSERIAL PRIMARY KEY,
		user_name TEXT NOT NULL UNIQUE,
		salt BYTEA NOT NULL,
		password TEXT NOT NULL
	);
	CREATE TABLE troves.user_groups (
		user_group_id BIGSERIAL PRIMARY KEY,
		user_group TEXT NOT NULL,
		admin BOOLEAN NOT NULL DEFAULT false,
		can_mirror BOOLEAN NOT NULL DEFAULT false
	);
	CREATE UNIQUE INDEX user_groups_name_idx ON troves.user_groups (lower(user_group));
	CREATE TABLE troves.user_group_members (
		user_group_id BIGINT NOT NULL REFERENCES troves.user_groups ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES troves.users ON DELETE CASCADE,
		PRIMARY KEY (user_group_id, user_id)
	);
	CREATE TABLE troves.permissions (
		permission_id BIGSERIAL PRIMARY KEY,
		user_group_id BIGINT NOT NULL REFERENCES troves.user_groups ON DELETE CASCADE,
		label_id BIGINT NOT NULL DEFAULT 0,
		item_id BIGINT NOT NULL DEFAULT 0,
		can_write BOOLEAN NOT NULL DEFAULT false,
		can_remove BOOLEAN NOT NULL DEFAULT false,
		UNIQUE (user_group_id, label_id, item_id)
	);
	CREATE TABLE troves.entitlement_groups (
		ent_group_id BIGSERIAL PRIMARY KEY,
		ent_group TEXT NOT NULL UNIQUE
	);
	CREATE TABLE troves.entitlements (
		ent_group_id BIGINT NOT NULL REFERENCES troves.entitlement_groups ON DELETE CASCADE,
		entitlement TEXT NOT NULL,
		PRIMARY KEY (ent_group_id, entitlement)
	);
	CREATE TABLE troves.entitlement_owners (
		ent_group_id BIGINT NOT NULL REFERENCES troves.entitlement_groups ON DELETE CASCADE,
		owner_group_id BIGINT NOT NULL REFERENCES troves.user_groups ON DELETE CASCADE,
		PRIMARY KEY (ent_group_id, owner_group_id)
	);
	CREATE TABLE troves.entitlement_access_map (
		ent_group_id BIGINT NOT NULL REFERENCES troves.entitlement_groups ON DELETE CASCADE,
		user_group_id BIGINT NOT NULL REFERENCES troves.user_groups ON DELETE CASCADE,
		PRIMARY KEY (ent_group_id, user_group_id)
	);
	`)
	return errors.Wrap(err, "create auth tables")
}

// createCacheTables holds the changeset cache index.  The cache manages its
// own schema version in cache.schema_version and drops its rows when that
// version changes.
func createCacheTables(ctx context.Context, env migrations.Env) error {
	_, err := env.Tx.ExecContext(ctx, `
	CREATE SCHEMA IF NOT EXISTS cache;
	CREATE TABLE cache.schema_version (
		version INT NOT NULL
	);
	CREATE TABLE cache.versions (
		version_id BIGSERIAL PRIMARY KEY,
		version TEXT NOT NULL UNIQUE
	);
	CREATE TABLE cache.flavors (
		flavor_id BIGSERIAL PRIMARY KEY,
		flavor TEXT NOT NULL UNIQUE
	);
	CREATE TABLE cache.changesets (
		row_id BIGSERIAL PRIMARY KEY,
		trove_name TEXT NOT NULL,
		old_flavor_id BIGINT NOT NULL,
		old_version_id BIGINT NOT NULL,
		new_flavor_id BIGINT NOT NULL,
		new_version_id BIGINT NOT NULL,
		absolute BOOLEAN NOT NULL,
		recurse BOOLEAN NOT NULL,
		with_files BOOLEAN NOT NULL,
		with_file_contents BOOLEAN NOT NULL,
		exclude_auto_source BOOLEAN NOT NULL,
		format INT NOT NULL,
		return_value BYTEA NOT NULL,
		size BIGINT
	);
	CREATE INDEX changesets_name_idx ON cache.changesets (trove_name);
	`)
	return errors.Wrap(err, "create cache tables")
}

// DesiredState is the schema PGStore and the changeset cache index expect.
var DesiredState = migrations.InitialState().
	Apply("create trove tables", createTroveTables).
	Apply("create auth tables", createAuthTables).
	Apply("create cache tables", createCacheTables)
