package store

// Schema v1 - bundles, worksheets, groups and permissions
const schemaV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Immutable computed artifacts
CREATE TABLE IF NOT EXISTS bundle (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT UNIQUE NOT NULL,
  bundle_type TEXT NOT NULL,
  command TEXT,
  data_hash TEXT,
  state TEXT NOT NULL,
  owner_id TEXT
);

CREATE TABLE IF NOT EXISTS bundle_metadata (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  bundle_uuid TEXT NOT NULL REFERENCES bundle(uuid),
  metadata_key TEXT NOT NULL,
  metadata_value TEXT NOT NULL
);

-- parent_uuid may name a bundle this instance does not hold
CREATE TABLE IF NOT EXISTS bundle_dependency (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  child_uuid TEXT NOT NULL REFERENCES bundle(uuid),
  child_path TEXT NOT NULL,
  parent_uuid TEXT NOT NULL,
  parent_path TEXT NOT NULL DEFAULT ''
);

-- Queued instructions for the bundle worker
CREATE TABLE IF NOT EXISTS bundle_action (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  bundle_uuid TEXT NOT NULL,
  action TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worksheet (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT UNIQUE NOT NULL,
  name TEXT NOT NULL,
  owner_id TEXT
);

CREATE TABLE IF NOT EXISTS worksheet_item (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  worksheet_uuid TEXT NOT NULL REFERENCES worksheet(uuid),
  bundle_uuid TEXT REFERENCES bundle(uuid),
  subworksheet_uuid TEXT REFERENCES worksheet(uuid),
  value TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  sort_key INTEGER
);

CREATE TABLE IF NOT EXISTS "group" (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT UNIQUE NOT NULL,
  name TEXT NOT NULL,
  owner_id TEXT,
  user_defined INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_group (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  group_uuid TEXT NOT NULL REFERENCES "group"(uuid),
  user_id TEXT NOT NULL,
  is_admin INTEGER NOT NULL DEFAULT 0,
  UNIQUE (group_uuid, user_id)
);

CREATE TABLE IF NOT EXISTS group_bundle_permission (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  group_uuid TEXT NOT NULL REFERENCES "group"(uuid),
  object_uuid TEXT NOT NULL REFERENCES bundle(uuid),
  permission INTEGER NOT NULL,
  UNIQUE (group_uuid, object_uuid)
);

CREATE TABLE IF NOT EXISTS group_object_permission (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  group_uuid TEXT NOT NULL REFERENCES "group"(uuid),
  object_uuid TEXT NOT NULL REFERENCES worksheet(uuid),
  permission INTEGER NOT NULL,
  UNIQUE (group_uuid, object_uuid)
);
`

// Schema v2 - Lookup indexes for search and permission checks
const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_bundle_type ON bundle(bundle_type);
CREATE INDEX IF NOT EXISTS idx_bundle_owner ON bundle(owner_id);
CREATE INDEX IF NOT EXISTS idx_bundle_state ON bundle(state);

CREATE INDEX IF NOT EXISTS idx_metadata_bundle ON bundle_metadata(bundle_uuid);
CREATE INDEX IF NOT EXISTS idx_metadata_key_value ON bundle_metadata(metadata_key, metadata_value);

CREATE INDEX IF NOT EXISTS idx_dependency_child ON bundle_dependency(child_uuid);
CREATE INDEX IF NOT EXISTS idx_dependency_parent ON bundle_dependency(parent_uuid);

CREATE INDEX IF NOT EXISTS idx_item_worksheet ON worksheet_item(worksheet_uuid, id);
CREATE INDEX IF NOT EXISTS idx_item_bundle ON worksheet_item(bundle_uuid);
CREATE INDEX IF NOT EXISTS idx_item_subworksheet ON worksheet_item(subworksheet_uuid);

CREATE INDEX IF NOT EXISTS idx_user_group_user ON user_group(user_id);
CREATE INDEX IF NOT EXISTS idx_bundle_permission_object ON group_bundle_permission(object_uuid);
CREATE INDEX IF NOT EXISTS idx_object_permission_object ON group_object_permission(object_uuid);
`
