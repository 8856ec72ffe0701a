package db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chorus/chat-sync/config"
	"chorus/chat-sync/realtime"
)

func TestMigrate(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(gdb))
	// migrating an up-to-date schema is a no-op
	require.NoError(t, Migrate(gdb))
	assert.True(t, gdb.Migrator().HasTable(&realtime.DocumentRow{}))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, &config.Config{RedisURL: "redis://" + mr.Addr(), RedisDB: 2})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 2, client.Options().DB)

	_, err = NewRedisClient(ctx, &config.Config{RedisURL: "not a url"})
	assert.Error(t, err)

	mr.Close()
	_, err = NewRedisClient(ctx, &config.Config{RedisURL: "redis://" + mr.Addr()})
	assert.Error(t, err)
}
