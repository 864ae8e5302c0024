// Package sa implements the storage authority for the credential store:
// the data-mapper layer between the core domain objects and the SQL
// backends, the per-entity repositories, the bitstring status-list engine,
// the read-through cache, and the repository factory that wires them
// together.
package sa

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gorp "gopkg.in/go-gorp/gorp.v2"

	"github.com/sigil-dev/sigil/core"
	serrors "github.com/sigil-dev/sigil/errors"
)

// SigilTypeConverter is used by gorp for storing domain-typed columns. It
// confines every cross-backend representation difference: the native
// backend (Postgres) passes timestamps and booleans to the driver and
// stores bare UUIDs, while the textual backend (SQLite, and MySQL when
// configured) stores epoch-millisecond integers, 0/1 integers, and JSON
// text. Conversion failures fail the current operation; nothing coerces
// silently.
type SigilTypeConverter struct {
	// Native is true when the engine has native UUID, timestamp, and
	// boolean column types.
	Native bool
}

// NewTypeConverter returns the converter for the given driver.
func NewTypeConverter(driver string) SigilTypeConverter {
	return SigilTypeConverter{Native: driver == "postgres"}
}

// ToDb converts a domain value to its column representation.
func (tc SigilTypeConverter) ToDb(val interface{}) (interface{}, error) {
	switch t := val.(type) {
	case core.IRI:
		if tc.Native {
			return t.UUIDValue(), nil
		}
		return string(t), nil
	case *core.IRI:
		if t == nil {
			return nil, nil
		}
		return tc.ToDb(*t)
	case core.JSONBuffer:
		if t == nil {
			return nil, nil
		}
		return string(t), nil
	case core.JSONMap:
		if t == nil {
			return nil, nil
		}
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case core.Recipient:
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case core.ImageRef:
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case *core.ImageRef:
		if t == nil {
			return nil, nil
		}
		return tc.ToDb(*t)
	case core.StatusPurpose:
		return string(t), nil
	case []string:
		if t == nil {
			return nil, nil
		}
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	case time.Time:
		if tc.Native {
			return val, nil
		}
		return t.UnixMilli(), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		if tc.Native {
			return *t, nil
		}
		return t.UnixMilli(), nil
	case bool:
		if tc.Native {
			return val, nil
		}
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return val, nil
	}
}

// FromDb converts a column representation back into a domain value.
func (tc SigilTypeConverter) FromDb(target interface{}) (gorp.CustomScanner, bool) {
	switch target.(type) {
	case *core.IRI:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			i, ok := target.(*core.IRI)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.IRI", target)
			}
			if !s.Valid {
				*i = ""
				return nil
			}
			*i = core.NormalizeIRI(s.String)
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case **core.IRI:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			i, ok := target.(**core.IRI)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to **core.IRI", target)
			}
			if !s.Valid {
				*i = nil
				return nil
			}
			iri := core.NormalizeIRI(s.String)
			*i = &iri
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case *core.JSONBuffer:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			jb, ok := target.(*core.JSONBuffer)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.JSONBuffer", target)
			}
			if !s.Valid {
				*jb = nil
				return nil
			}
			*jb = core.JSONBuffer(s.String)
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case *core.JSONMap:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			m, ok := target.(*core.JSONMap)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.JSONMap", target)
			}
			if !s.Valid || s.String == "" {
				*m = nil
				return nil
			}
			if err := json.Unmarshal([]byte(s.String), m); err != nil {
				return serrors.CorruptionError("stored JSON object does not parse: %s", err)
			}
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case *core.Recipient:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			r, ok := target.(*core.Recipient)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.Recipient", target)
			}
			if err := json.Unmarshal([]byte(*s), r); err != nil {
				return serrors.CorruptionError("stored recipient does not parse: %s", err)
			}
			return nil
		}
		return gorp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *core.ImageRef:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			ir, ok := target.(*core.ImageRef)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.ImageRef", target)
			}
			if !s.Valid {
				*ir = core.ImageRef{}
				return nil
			}
			if err := json.Unmarshal([]byte(s.String), ir); err != nil {
				return serrors.CorruptionError("stored image does not parse: %s", err)
			}
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case **core.ImageRef:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			ir, ok := target.(**core.ImageRef)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to **core.ImageRef", target)
			}
			if !s.Valid {
				*ir = nil
				return nil
			}
			var img core.ImageRef
			if err := json.Unmarshal([]byte(s.String), &img); err != nil {
				return serrors.CorruptionError("stored image does not parse: %s", err)
			}
			*ir = &img
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case *core.StatusPurpose:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*string)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			p, ok := target.(*core.StatusPurpose)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *core.StatusPurpose", target)
			}
			*p = core.StatusPurpose(*s)
			return nil
		}
		return gorp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	case *[]string:
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			out, ok := target.(*[]string)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *[]string", target)
			}
			if !s.Valid || s.String == "" {
				*out = nil
				return nil
			}
			if err := json.Unmarshal([]byte(s.String), out); err != nil {
				return serrors.CorruptionError("stored string array does not parse: %s", err)
			}
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	case *time.Time:
		if tc.Native {
			return gorp.CustomScanner{}, false
		}
		binder := func(holder, target interface{}) error {
			ms, ok := holder.(*int64)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			t, ok := target.(*time.Time)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *time.Time", target)
			}
			*t = time.UnixMilli(*ms).UTC()
			return nil
		}
		return gorp.CustomScanner{Holder: new(int64), Target: target, Binder: binder}, true
	case **time.Time:
		if tc.Native {
			return gorp.CustomScanner{}, false
		}
		binder := func(holder, target interface{}) error {
			ms, ok := holder.(*sql.NullInt64)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			t, ok := target.(**time.Time)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to **time.Time", target)
			}
			if !ms.Valid {
				*t = nil
				return nil
			}
			parsed := time.UnixMilli(ms.Int64).UTC()
			*t = &parsed
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullInt64), Target: target, Binder: binder}, true
	case *bool:
		if tc.Native {
			return gorp.CustomScanner{}, false
		}
		binder := func(holder, target interface{}) error {
			s, ok := holder.(*sql.NullString)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T holder", holder)
			}
			b, ok := target.(*bool)
			if !ok {
				return fmt.Errorf("FromDb: unable to convert %T to *bool", target)
			}
			if !s.Valid {
				*b = false
				return nil
			}
			parsed, err := parseStoredBool(s.String)
			if err != nil {
				return err
			}
			*b = parsed
			return nil
		}
		return gorp.CustomScanner{Holder: new(sql.NullString), Target: target, Binder: binder}, true
	default:
		return gorp.CustomScanner{}, false
	}
}

// parseStoredBool accepts the 0/1 integers this implementation writes plus
// the legacy JSON wrapper {"status":true} found in older rows. Anything
// else is corruption.
func parseStoredBool(s string) (bool, error) {
	switch s {
	case "0", "false":
		return false, nil
	case "1", "true":
		return true, nil
	}
	if strings.HasPrefix(strings.TrimSpace(s), "{") {
		var wrapper struct {
			Status bool `json:"status"`
		}
		if err := json.Unmarshal([]byte(s), &wrapper); err == nil {
			return wrapper.Status, nil
		}
	}
	return false, serrors.CorruptionError("stored boolean %q is not a valid 0/1 value", s)
}
