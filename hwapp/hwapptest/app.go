// Package hwapptest provides test helpers for hwapp applications.
//
// It constructs the identical DI graph as [hwapp.NewApp] but uses
// [fxtest.App] which fails the test immediately on DI errors.
//
// Example:
//
//	port := hwapptest.SetBaseEnv(t).Port()
//	app := hwapptest.New[TestEnv](t, routing, hwapp.WithFx(...))
//	app.RequireStart()
//	t.Cleanup(app.RequireStop)
package hwapptest

import (
	"testing"

	"github.com/advdv/haywire/hwapp"
	"go.uber.org/fx/fxtest"
)

// App embeds *fxtest.App for testing hwapp applications.
type App struct {
	*fxtest.App
}

// New creates a test app with the same DI graph as [hwapp.NewApp].
func New[E hwapp.Environment](t testing.TB, routing any, opts ...hwapp.Option) *App {
	return &App{App: fxtest.New(t, hwapp.FxOptions[E](routing, opts...)...)}
}
