package config

import (
	"fmt"

	"tools.zach/dev/pgnotify/internal/migrate"
)

// Migrations upgrades config.toml files to the current schema.
var Migrations = &migrate.Registry{CurrentVersion: 2}

func init() {
	Migrations.Register(migrate.Migration{
		Version:     2,
		Description: "signals list replaces handle_keyboardinterrupt; timeout becomes timeout_seconds; dsn moves under [database]",
		Upgrade:     upgradeV2,
	})
}

// upgradeV2 converts the unversioned layout:
//
//	dsn = "..."
//	[listen]
//	timeout = 3
//	handle_keyboardinterrupt = true
//
// into the v2 layout with [database] dsn, listen.timeout_seconds and an
// explicit listen.signals list.
func upgradeV2(doc migrate.Doc) error {
	if dsn, ok := doc["dsn"]; ok {
		db, err := migrate.Table(doc, "database")
		if err != nil {
			return err
		}
		if _, set := db["dsn"]; !set {
			db["dsn"] = dsn
		}
		delete(doc, "dsn")
	}

	listen, err := migrate.Table(doc, "listen")
	if err != nil {
		return err
	}
	migrate.Rename(listen, "timeout", "timeout_seconds")

	raw, ok := listen["handle_keyboardinterrupt"]
	if !ok {
		return nil
	}
	delete(listen, "handle_keyboardinterrupt")
	handle, ok := raw.(bool)
	if !ok {
		return fmt.Errorf("listen.handle_keyboardinterrupt is a %T, not a bool", raw)
	}
	if _, set := listen["signals"]; !set {
		if handle {
			listen["signals"] = []any{"SIGINT"}
		} else {
			listen["signals"] = []any{}
		}
	}
	return nil
}
