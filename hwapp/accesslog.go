package hwapp

import (
	"github.com/advdv/haywire"
	"go.uber.org/zap"
)

// AccessLog logs one entry per response once its final write completed, or once the connection
// closed before it could.
func AccessLog(logs *zap.Logger) haywire.Middleware {
	return func(next haywire.Handler) haywire.Handler {
		return haywire.HandlerFunc(func(w *haywire.WriteContext, r *haywire.Request, data any) {
			method, path, proto := r.Method(), r.Path(), r.Proto()

			w.AfterFinish(func(err error) {
				fields := []zap.Field{
					zap.String("method", method),
					zap.String("path", path),
					zap.String("proto", proto),
					zap.Int("status", w.Status()),
				}

				if err != nil {
					logs.Warn("request aborted", append(fields, zap.Error(err))...)
					return
				}

				logs.Info("request", fields...)
			})

			next.ServeHaywire(w, r, data)
		})
	}
}
