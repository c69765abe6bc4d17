package badger

import "go.uber.org/zap"

// zapAdapter implements badger.Logger on top of a zap sugared logger.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func newZapAdapter(logger *zap.Logger) *zapAdapter {
	return &zapAdapter{s: logger.Sugar()}
}

func (l *zapAdapter) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l *zapAdapter) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l *zapAdapter) Infof(f string, v ...any)    { l.s.Infof(f, v...) }
func (l *zapAdapter) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }
