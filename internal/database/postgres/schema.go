package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id            TEXT PRIMARY KEY,
		fingerprint   JSONB NOT NULL,
		ip_address    TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS devices_ip_address_idx ON devices (ip_address)`,
	`CREATE TABLE IF NOT EXISTS squads (
		id             TEXT PRIMARY KEY,
		members        TEXT[] NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		total_hashrate DOUBLE PRECISION NOT NULL DEFAULT 0,
		blocks_found   BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS device_ownership (
		device_id        TEXT PRIMARY KEY,
		manufacturer     TEXT NOT NULL,
		model            TEXT NOT NULL,
		serial_number    TEXT NOT NULL,
		firmware_version TEXT NOT NULL,
		chip_count       INTEGER NOT NULL,
		max_hashrate_ghs DOUBLE PRECISION NOT NULL,
		manufacture_date TIMESTAMPTZ,
		owner_address    TEXT NOT NULL,
		signature        BYTEA,
		registered_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS device_ownership_owner_idx ON device_ownership (owner_address)`,
}
