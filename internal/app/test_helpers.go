package app

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

// newTestDependencies собирает зависимости поверх памяти и симуляторов.
func newTestDependencies(t *testing.T, cfg Config) *Dependencies {
	t.Helper()
	logger, _ := test.NewNullLogger()
	deps, err := NewDependencies(context.Background(), cfg, logger.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("NewDependencies: %v", err)
	}
	t.Cleanup(deps.Close)
	return deps
}

// newTestApplication собирает приложение без запуска серверов.
func newTestApplication(t *testing.T, cfg Config) *application {
	t.Helper()
	logger, _ := test.NewNullLogger()
	a, err := newApplication(context.Background(), cfg, logger.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("newApplication: %v", err)
	}
	t.Cleanup(a.close)
	return a
}
