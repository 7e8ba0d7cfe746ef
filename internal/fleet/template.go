package fleet

import (
	"os"
	"strings"
)

// renderTemplate substitutes $name, ${name}, and the $$ escape in doc
// against vars, following the same grammar as Python's
// string.Template: an identifier is letters, digits, and underscores,
// starting with a letter or underscore. A reference to a name absent
// from vars is a ConfigError -- bootconf templates are expected to be
// fully satisfiable from the attribute bag by the time they render.
func renderTemplate(doc string, vars map[string]string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(doc) {
		c := doc[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		// c == '$'
		if i+1 >= len(doc) {
			out.WriteByte('$')
			i++
			continue
		}
		next := doc[i+1]
		switch {
		case next == '$':
			out.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(doc[i+2:], '}')
			if end < 0 {
				return "", &ConfigError{Msg: "unterminated ${...} in template"}
			}
			name := doc[i+2 : i+2+end]
			val, ok := vars[name]
			if !ok {
				return "", &ConfigError{Msg: "template references unknown attribute " + name}
			}
			out.WriteString(val)
			i += 2 + end + 1
		case isIdentStart(next):
			j := i + 1
			for j < len(doc) && isIdentChar(doc[j]) {
				j++
			}
			name := doc[i+1 : j]
			val, ok := vars[name]
			if !ok {
				return "", &ConfigError{Msg: "template references unknown attribute " + name}
			}
			out.WriteString(val)
			i = j
		default:
			out.WriteByte('$')
			i++
		}
	}
	return out.String(), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// writeEnvFile writes vars as shell `export KEY="VALUE"` lines to a
// new temp file and returns its path. It is the companion file a
// bootpgm's fab task sources before running, so the boot program can
// read the same attribute bag as shell environment variables instead
// of parsing the rendered config file itself.
func writeEnvFile(vars map[string]string) (string, error) {
	f, err := os.CreateTemp("", "fleetboot-env-*.sh")
	if err != nil {
		return "", err
	}
	defer f.Close()

	for k, v := range vars {
		line := "export " + k + "=\"" + strings.ReplaceAll(v, `"`, `\"`) + "\"\n"
		if _, err := f.WriteString(line); err != nil {
			return "", err
		}
	}
	return f.Name(), nil
}

// writeRenderedConf renders templatePath's content against vars and
// writes the result to a new temp file named after the template's own
// basename, matching the staging convention the remote fab task
// expects.
func writeRenderedConf(templatePath string, vars map[string]string) (string, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return "", err
	}
	rendered, err := renderTemplate(string(raw), vars)
	if err != nil {
		return "", err
	}

	base := templatePath
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	f, err := os.CreateTemp("", "fleetboot-"+base+"-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(rendered); err != nil {
		return "", err
	}
	return f.Name(), nil
}
