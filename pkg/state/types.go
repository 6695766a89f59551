package state

import "path/filepath"

type Paths struct {
	DB          string
	Store       string
	State       string
	Audit       string
	Maintenance string
	Tmp         string
	Tel         string
	Logs        string
	Crash       string
}

func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:    dbPath,
		Store: filepath.Join(dbPath, "store"),

		State:       statePath,
		Audit:       filepath.Join(statePath, "audit"),
		Maintenance: filepath.Join(statePath, "maintenance"),
		Tmp:         filepath.Join(statePath, "tmp"),
		Tel:         filepath.Join(statePath, "telemetry"),
		Logs:        filepath.Join(statePath, "logs"),
		Crash:       filepath.Join(statePath, "crash"),
	}
}

// all returns every directory the server expects to own.
func (p Paths) all() []string {
	return []string{p.Store, p.Audit, p.Maintenance, p.Tmp, p.Tel, p.Logs, p.Crash}
}

func StorePath(dbPath string) string { return PathsFor(dbPath).Store }
func TelPath(dbPath string) string   { return PathsFor(dbPath).Tel }
