package mssql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Server:      "db01",
		Port:        1433,
		Database:    "Sales",
		User:        "syncuser",
		Password:    "p@ss:word",
		ConnTimeout: 30 * time.Second,
	}
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "sqlserver://")
	assert.Contains(t, dsn, "syncuser:p%40ss%3Aword@db01:1433")
	assert.Contains(t, dsn, "database=Sales")
	assert.Contains(t, dsn, "dial+timeout=30")
}

func TestConfigDSNWindowsAuth(t *testing.T) {
	cfg := Config{Server: "db01", Database: "Sales", WindowsAuth: true, User: "ignored"}
	dsn := cfg.DSN()
	assert.NotContains(t, dsn, "ignored")
	assert.NotContains(t, dsn, "@db01")
}

func TestConfigDSNNoPort(t *testing.T) {
	cfg := Config{Server: "db01", Database: "Sales", User: "u", Password: "p"}
	assert.Contains(t, cfg.DSN(), "@db01?")
}

func TestConfigStringHidesCredentials(t *testing.T) {
	cfg := Config{Server: "db01", Port: 1433, Database: "Sales", User: "u", Password: "secret"}
	s := cfg.String()
	assert.Equal(t, "db01:1433/Sales", s)
	assert.NotContains(t, s, "secret")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("dial tcp 10.0.0.1:1433: connect: connection refused"), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"bad conn", errors.New("driver: bad connection"), true},
		{"io timeout", errors.New("read tcp 10.0.0.1:1433: i/o timeout"), true},
		{"mssql dial", errors.New("unable to open tcp connection with host 'db01:1433'"), true},
		{"login", errors.New("mssql: login error: Login failed for user 'syncuser'"), false},
		{"sql error", errors.New("mssql: Invalid object name 'dbo.Missing'"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
