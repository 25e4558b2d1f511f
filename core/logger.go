package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProductionLogger is a structured logger supporting both JSON (for log
// aggregation) and human-readable text output. The *WithContext methods
// accept a context but do not read it: no trace ids are added to the
// output.
type ProductionLogger struct {
	level       string
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// NewProductionLogger builds a logger from LoggingConfig.
func NewProductionLogger(cfg LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}
	format := cfg.Format
	if format == "" {
		format = "text"
	}
	return &ProductionLogger{
		level:       strings.ToLower(cfg.Level),
		serviceName: serviceName,
		format:      format,
		output:      output,
	}
}

// WithComponent returns a logger scoped to a component name, implementing
// ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}
func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.level == "debug" {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.level == "debug" {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	component := p.component
	if component == "" {
		component = "framework"
	}

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&fieldStr, " %s=%v", k, v)
	}
	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s\n", timestamp, level, p.serviceName, component, msg, fieldStr.String())
}
