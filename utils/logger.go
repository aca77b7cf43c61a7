package utils

import "go.uber.org/zap"

// BuildLogger constructs the daemon logger. The default is production JSON
// at info level on stderr; debug switches to the development console
// encoder at debug level. A non-empty path tees output into that file as
// well.
func BuildLogger(debug bool, path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	if path != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, path)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, path)
	}
	return cfg.Build()
}
