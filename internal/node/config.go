package node

import (
	"time"

	"examsync/internal/admission"
	"examsync/internal/berkeley"
	"examsync/internal/directory"
	"examsync/internal/mutex"
)

type Config struct {
	ID   string
	Addr string
	Role directory.Role

	// TeacherAddr receives a copy of every score the coordinator records.
	TeacherAddr string

	// StartTime sets the local clock at startup ("HH-MM-SS").
	StartTime string

	// PushOffsets makes the node compute its own clock offset during a
	// synchronization round and report it back.
	PushOffsets bool

	// DBPath persists scores in SQLite; empty keeps them in memory.
	DBPath string

	// SyncInterval runs a synchronization round periodically on the
	// coordinator. Zero leaves rounds to manual triggers.
	SyncInterval time.Duration

	Directory directory.Config
	Mutex     mutex.Config
	Berkeley  berkeley.Config
	Admission admission.Config
}

func DefaultConfig(role directory.Role) Config {
	cfg := Config{
		Role:      role,
		Directory: directory.DefaultConfig(),
		Mutex:     mutex.DefaultConfig(),
		Berkeley:  berkeley.DefaultConfig(),
		Admission: admission.DefaultConfig(),
	}
	switch role {
	case directory.RoleCoordinator:
		cfg.ID = "server"
		cfg.Addr = cfg.Directory.CoordinatorAddr
	case directory.RoleTeacher:
		cfg.ID = "teacher"
		cfg.Addr = "127.0.0.1:9001"
		cfg.PushOffsets = true
	case directory.RoleBackup:
		cfg.ID = "backup"
		cfg.Addr = cfg.Admission.BackupAddr
	}
	return cfg
}
