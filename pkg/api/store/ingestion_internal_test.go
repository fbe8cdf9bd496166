package store

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tomvothecoder/simboard/pkg/config"
)

func TestIngestion_ResolveMachineLosesRace(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, ok := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}).(*store)
	require.True(t, ok)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	// Another upload registers the machine between lookup and insert.
	var (
		raced    bool
		rivalID  string
		rivalErr error
	)

	require.NoError(t, s.db.Callback().Create().Before("gorm:create").
		Register("test:rival_machine", func(tx *gorm.DB) {
			m, isMachine := tx.Statement.Dest.(*Machine)
			if !isMachine || raced {
				return
			}

			raced = true

			rival := &Machine{
				Name:         m.Name,
				Site:         "LCRC",
				Architecture: UnknownAttribute,
				Scheduler:    UnknownAttribute,
			}
			rivalErr = tx.Session(&gorm.Session{NewDB: true}).Create(rival).Error
			rivalID = rival.ID
		}))

	id, err := s.Ingestion(true).ResolveMachine(context.Background(), "cori-knl")
	require.NoError(t, err)
	require.True(t, raced)
	require.NoError(t, rivalErr)
	assert.Equal(t, rivalID, id, "the row inserted first wins")

	machines, err := s.ListMachines(context.Background())
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, "LCRC", machines[0].Site)
}
