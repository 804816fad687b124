package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// ParseTransitions decodes the transitions document:
//
//	old_role:
//	  new_role:
//	    event_name: delay_seconds
//
// Malformed entries (missing or non-integer delay, empty names) are reported
// as ConfigErrors and excluded; well-formed entries still parse. A document
// that cannot be decoded at all returns a non-nil error.
func ParseTransitions(data []byte) ([]Rule, []ConfigError, error) {
	var doc map[string]map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("transitions document: %w", err)
	}

	var (
		out  []Rule
		errs []ConfigError
	)
	for oldRole, newRoles := range doc {
		if strings.TrimSpace(oldRole) == "" {
			errs = append(errs, ConfigError{Path: "transitions", Msg: "empty old role"})
			continue
		}
		for newRole, events := range newRoles {
			if strings.TrimSpace(newRole) == "" {
				errs = append(errs, ConfigError{Path: "transitions." + oldRole, Msg: "empty new role"})
				continue
			}
			for event, rawDelay := range events {
				path := fmt.Sprintf("transitions.%s.%s.%s", oldRole, newRole, event)
				if strings.TrimSpace(event) == "" {
					errs = append(errs, ConfigError{Path: path, Msg: "empty event name"})
					continue
				}
				secs, err := delaySeconds(rawDelay)
				if err != nil {
					errs = append(errs, ConfigError{Path: path, Msg: err.Error()})
					continue
				}
				out = append(out, Rule{
					OldRole: oldRole,
					NewRole: newRole,
					Event:   event,
					Delay:   time.Duration(secs) * time.Second,
				})
			}
		}
	}

	sortRules(out)
	return out, errs, nil
}

func delaySeconds(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, fmt.Errorf("delay missing")
	case int:
		if v < 0 {
			return 0, fmt.Errorf("delay must be >= 0, got %d", v)
		}
		return int64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("delay must be >= 0, got %d", v)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("delay must be an integer number of seconds, got %T", raw)
	}
}

// ParseEvents decodes the events document:
//
//	event_name:
//	  action: send_message | send_message_with_token | none | ignore
//	  one_time: bool
//	  template: welcome.html
//	  subject: "Welcome!"
//	  from: support@example.com
//	  <anything else>: passed through to the renderer
//
// An unknown action, or a send action missing template/subject/from, excludes
// the event and reports a ConfigError. The original loose-map behavior of
// failing deep inside dispatch is deliberately replaced by load-time checks.
func ParseEvents(data []byte) (map[string]EventDef, []ConfigError, error) {
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("events document: %w", err)
	}

	out := make(map[string]EventDef, len(doc))
	var errs []ConfigError
	for name, fields := range doc {
		path := "events." + name
		if strings.TrimSpace(name) == "" {
			errs = append(errs, ConfigError{Path: "events", Msg: "empty event name"})
			continue
		}

		def := EventDef{Name: name, Action: DefaultAction, Extra: map[string]any{}}
		bad := false
		for k, v := range fields {
			switch k {
			case "action":
				s, ok := v.(string)
				if !ok {
					errs = append(errs, ConfigError{Path: path + ".action", Msg: fmt.Sprintf("must be a string, got %T", v)})
					bad = true
					continue
				}
				switch Action(s) {
				case ActionSendMessage, ActionSendMessageWithToken, ActionNone, ActionIgnore:
					def.Action = Action(s)
				default:
					errs = append(errs, ConfigError{Path: path + ".action", Msg: fmt.Sprintf("unknown action %q", s)})
					bad = true
				}
			case "one_time":
				b, ok := v.(bool)
				if !ok {
					errs = append(errs, ConfigError{Path: path + ".one_time", Msg: fmt.Sprintf("must be a bool, got %T", v)})
					bad = true
					continue
				}
				def.OneTime = b
			case "template":
				def.Template, bad = stringField(v, path+".template", &errs, bad)
			case "subject":
				def.Subject, bad = stringField(v, path+".subject", &errs, bad)
			case "from":
				def.From, bad = stringField(v, path+".from", &errs, bad)
			default:
				def.Extra[k] = v
			}
		}
		if bad {
			continue
		}

		if def.Action == ActionSendMessage || def.Action == ActionSendMessageWithToken {
			missing := missingSendFields(def)
			if len(missing) > 0 {
				errs = append(errs, ConfigError{Path: path, Msg: "send action requires " + strings.Join(missing, ", ")})
				continue
			}
		}
		out[name] = def
	}

	return out, errs, nil
}

func stringField(v any, path string, errs *[]ConfigError, bad bool) (string, bool) {
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, ConfigError{Path: path, Msg: fmt.Sprintf("must be a string, got %T", v)})
		return "", true
	}
	return s, bad
}

func missingSendFields(def EventDef) []string {
	var missing []string
	if strings.TrimSpace(def.Template) == "" {
		missing = append(missing, "template")
	}
	if strings.TrimSpace(def.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(def.From) == "" {
		missing = append(missing, "from")
	}
	return missing
}

// Build assembles a Table from parsed rules and events. Rules referencing an
// event absent from the events document stay in the table: the dispatcher
// reports them as unknown events every tick, which is the operator's signal
// of a configuration gap.
func Build(r []Rule, events map[string]EventDef) *Table {
	cp := append([]Rule(nil), r...)
	sortRules(cp)
	return &Table{rules: cp, events: events}
}

// LoadFiles parses both documents from disk and builds the table.
// The returned ConfigErrors cover both documents; err is non-nil only when a
// file is unreadable or entirely undecodable.
func LoadFiles(transitionsPath, eventsPath string) (*Table, []ConfigError, error) {
	tb, err := os.ReadFile(transitionsPath)
	if err != nil {
		return nil, nil, err
	}
	eb, err := os.ReadFile(eventsPath)
	if err != nil {
		return nil, nil, err
	}
	return Load(tb, eb)
}

// Load is LoadFiles over in-memory documents.
func Load(transitions, events []byte) (*Table, []ConfigError, error) {
	r, rerrs, err := ParseTransitions(transitions)
	if err != nil {
		return nil, nil, err
	}
	ev, eerrs, err := ParseEvents(events)
	if err != nil {
		return nil, nil, err
	}
	return Build(r, ev), append(rerrs, eerrs...), nil
}

func sortRules(r []Rule) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].OldRole != r[j].OldRole {
			return r[i].OldRole < r[j].OldRole
		}
		if r[i].NewRole != r[j].NewRole {
			return r[i].NewRole < r[j].NewRole
		}
		return r[i].Event < r[j].Event
	})
}
