package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/app"
)

func TestRun_PassesLoadedConfig(t *testing.T) {
	want := app.DefaultConfig()
	want.HTTPAddr = "127.0.0.1:18080"

	var got app.Config
	err := run(context.Background(),
		func() (app.Config, error) { return want, nil },
		func(_ context.Context, cfg app.Config) error {
			got = cfg
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRun_LoadError(t *testing.T) {
	called := false
	err := run(context.Background(),
		func() (app.Config, error) { return app.Config{}, errors.New("bad env") },
		func(context.Context, app.Config) error {
			called = true
			return nil
		},
	)
	require.ErrorContains(t, err, "bad env")
	assert.False(t, called)
}

func TestRun_CancellationIsNotAnError(t *testing.T) {
	err := run(context.Background(),
		func() (app.Config, error) { return app.DefaultConfig(), nil },
		func(context.Context, app.Config) error { return context.Canceled },
	)
	require.NoError(t, err)
}

func TestRun_RunnerError(t *testing.T) {
	err := run(context.Background(),
		func() (app.Config, error) { return app.DefaultConfig(), nil },
		func(context.Context, app.Config) error { return errors.New("listen: address in use") },
	)
	require.ErrorContains(t, err, "address in use")
}
