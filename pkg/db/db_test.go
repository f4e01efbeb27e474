package db

import (
	"testing"

	"goalpath/pkg/config"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DBConfig{Host: "db", Port: 5432, User: "app", Password: "p@ss word", Name: "goalpath"})
	assert.Equal(t, "postgres://app:p%40ss%20word@db:5432/goalpath?sslmode=disable", dsn)
}

func TestOperationLabel(t *testing.T) {
	assert.Equal(t, "select", operation("\n  SELECT id FROM goals"))
	assert.Equal(t, "update", operation("UPDATE goals SET status = $1"))
	assert.Equal(t, "unknown", operation("   "))
	assert.Equal(t, "insert into tasks", truncate("insert   into\n tasks"))
}
