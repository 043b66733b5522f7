package subsync

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

func eventFields(e Event) []Field {
	meta := e.Metadata()
	fields := []Field{
		{Key: "event_id", Value: meta.ID},
		{Key: "event_type", Value: meta.Type},
	}
	if c := e.Customer(); c != "" {
		fields = append(fields, Field{Key: "customer_id", Value: c})
	}
	return fields
}
