package inventory

// Child tables reference Devices(serial) with ON UPDATE CASCADE so a rename of
// the parent row carries every child with it.
const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS Devices (
	serial         TEXT PRIMARY KEY,
	dti            INTEGER,
	hostname       TEXT NOT NULL DEFAULT '',
	user           TEXT NOT NULL DEFAULT '',
	mac            TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	processor      TEXT NOT NULL DEFAULT '',
	gpu            TEXT NOT NULL DEFAULT '',
	ram_gb         INTEGER NOT NULL DEFAULT 0,
	disk           TEXT NOT NULL DEFAULT '',
	license_active INTEGER NOT NULL DEFAULT 0,
	ip             TEXT NOT NULL DEFAULT '',
	active         INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_devices_mac ON Devices(mac);
CREATE INDEX IF NOT EXISTS idx_devices_ip ON Devices(ip);

CREATE TABLE IF NOT EXISTS power_state (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	serial      TEXT NOT NULL REFERENCES Devices(serial) ON UPDATE CASCADE,
	power_on    INTEGER NOT NULL,
	observed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_power_state_serial ON power_state(serial);

CREATE TABLE IF NOT EXISTS memory (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	serial        TEXT NOT NULL REFERENCES Devices(serial) ON UPDATE CASCADE,
	slot_label    TEXT NOT NULL DEFAULT '',
	manufacturer  TEXT NOT NULL DEFAULT '',
	capacity_gb   INTEGER NOT NULL DEFAULT 0,
	speed_mhz     INTEGER NOT NULL DEFAULT 0,
	module_serial TEXT NOT NULL UNIQUE,
	current       INTEGER NOT NULL DEFAULT 1,
	installed_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS storage (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	serial       TEXT NOT NULL REFERENCES Devices(serial) ON UPDATE CASCADE,
	name         TEXT NOT NULL,
	mountpoint   TEXT NOT NULL DEFAULT '',
	capacity_gb  INTEGER NOT NULL DEFAULT 0,
	current      INTEGER NOT NULL DEFAULT 1,
	installed_at TEXT NOT NULL,
	UNIQUE(serial, name, capacity_gb)
);

CREATE TABLE IF NOT EXISTS applications (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	serial    TEXT NOT NULL REFERENCES Devices(serial) ON UPDATE CASCADE,
	name      TEXT NOT NULL,
	version   TEXT NOT NULL DEFAULT '',
	publisher TEXT NOT NULL DEFAULT '',
	UNIQUE(serial, name, publisher)
);

CREATE TABLE IF NOT EXISTS diagnostic_reports (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	serial       TEXT NOT NULL REFERENCES Devices(serial) ON UPDATE CASCADE,
	raw_json     TEXT NOT NULL,
	directx_text TEXT NOT NULL DEFAULT '',
	observed_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS change_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	serial         TEXT NOT NULL REFERENCES Devices(serial) ON UPDATE CASCADE,
	user           TEXT NOT NULL DEFAULT '',
	processor      TEXT NOT NULL DEFAULT '',
	gpu            TEXT NOT NULL DEFAULT '',
	ram_gb         INTEGER NOT NULL DEFAULT 0,
	disk           TEXT NOT NULL DEFAULT '',
	license_active INTEGER NOT NULL DEFAULT 0,
	ip             TEXT NOT NULL DEFAULT '',
	observed_at    TEXT NOT NULL
);
`

// childTables lists every table keyed on Devices.serial.
var childTables = []string{
	"power_state",
	"memory",
	"storage",
	"applications",
	"diagnostic_reports",
	"change_log",
}
