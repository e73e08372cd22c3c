package log

import (
	"context"
	"fmt"
	"log/slog"
)

func (l *BaseLogger) clone() *BaseLogger {
	fields := make(Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	nl := &BaseLogger{
		level:     l.level,
		fields:    fields,
		formatter: l.formatter,
		outputs:   l.outputs,
	}
	nl.slogLogger = slog.New(newBridgeHandler(nl))
	return nl
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	entry := &Entry{Level: level, Message: msg, Fields: merged}
	formatted, err := l.formatter.Format(entry)
	if err != nil {
		return
	}
	for _, out := range l.outputs {
		_ = out.Write(entry, formatted)
	}
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }
func (l *BaseLogger) Fatal(msg string, fields ...Field) { l.log(FatalLevel, msg, fields) }

func (l *BaseLogger) Debugf(msg string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Infof(msg string, args ...interface{})  { l.log(InfoLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Warnf(msg string, args ...interface{})  { l.log(WarnLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Errorf(msg string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Fatalf(msg string, args ...interface{}) { l.log(FatalLevel, fmt.Sprintf(msg, args...), nil) }

func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	nl := l.clone()
	nl.fields[key] = value
	return nl
}

func (l *BaseLogger) WithFields(fields Fields) Logger {
	nl := l.clone()
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

func (l *BaseLogger) WithError(err error) Logger {
	return l.WithField("error", errString(err))
}

func (l *BaseLogger) With(fields ...Field) Logger {
	nl := l.clone()
	for _, f := range fields {
		nl.fields[f.Key] = f.Value
	}
	return nl
}

func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	return l.WithFields(ContextExtractor(ctx))
}

func (l *BaseLogger) WithComponent(component string) Logger {
	return l.WithField(ComponentKey, component)
}

func (l *BaseLogger) SetLevel(level Level) { l.level = level }
func (l *BaseLogger) GetLevel() Level      { return l.level }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
