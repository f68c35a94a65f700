// Package metricsx extends github.com/VictoriaMetrics/metrics with helpers
// for building VictoriaMetrics/Prometheus-style labeled metric names.
package metricsx

import "strings"

// Name builds a labeled metric name like `base{k1="v1",k2="v2"}` from a bare
// base and an even-length list of label key/value pairs. It is the
// exported entry point other packages use to get metric names that
// metrics.GetOrCreateCounter/GetOrCreateGauge accept directly.
func Name(base string, labels ...string) string {
	return formatName(base, "", labels...)
}

func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

func formatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
