package database

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/config"
)

// OpenMemory returns a migrated, private in-memory sqlite database. Every call
// with a different name gets its own database.
func OpenMemory(name string) (*Database, error) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	}, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return db, nil
}
