package jsonlt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/jsonlt/pkg/fs"
)

// DefaultLockTimeout bounds how long a write waits for the file lock.
const DefaultLockTimeout = 5 * time.Second

// Options configures [Open].
type Options struct {
	// Key is the key specifier. Optional when the file header declares
	// one; if both are given they must match.
	Key KeySpec

	// ParseMode governs reading. Default: [Lenient].
	ParseMode Mode

	// WriteMode governs how records are serialized on append. Compaction
	// always writes [Strict]. Default: [Strict].
	WriteMode Mode

	// LockTimeout bounds lock acquisition for writes and reloads. Expiry
	// fails the call with [ErrLock]. Zero means [DefaultLockTimeout];
	// negative means try once.
	LockTimeout time.Duration

	// AutoReload re-reads externally appended operations before every read
	// and before [Table.Begin], so reads observe every commit that
	// completed before the call began.
	AutoReload bool

	// CreateHeader makes [Open] create a missing file containing only a
	// header line with Key, Schema and Meta.
	CreateHeader bool

	// Schema and Meta go into a header created by CreateHeader.
	Schema any
	Meta   map[string]any

	// FS is the filesystem. Default: [fs.NewReal].
	FS fs.FS

	// Logger receives diagnostic events. Default: discard.
	Logger *slog.Logger
}

// DefaultOptions returns the defaults [Open] applies to zero fields.
func DefaultOptions() Options {
	return Options{
		ParseMode:   Lenient,
		WriteMode:   Strict,
		LockTimeout: DefaultLockTimeout,
	}
}

// optionsErr classifies an options failure. Causes that already carry a
// class keep it; everything else is a PARSE_ERROR of the options data.
func optionsErr(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if KindOf(err) != KindNone {
		return fmt.Errorf("invalid options: %w", err)
	}

	return fmt.Errorf("%w: invalid options: %w", ErrParse, err)
}

// optionsFile is the on-disk form of [Options].
type optionsFile struct {
	Key          *KeySpec       `json:"key,omitempty"`
	ParseMode    *Mode          `json:"parse_mode,omitempty"`    //nolint:tagliatelle // snake_case for config file
	WriteMode    *Mode          `json:"write_mode,omitempty"`    //nolint:tagliatelle // snake_case for config file
	LockTimeout  string         `json:"lock_timeout,omitempty"`  //nolint:tagliatelle // snake_case for config file
	AutoReload   *bool          `json:"auto_reload,omitempty"`   //nolint:tagliatelle // snake_case for config file
	CreateHeader *bool          `json:"create_header,omitempty"` //nolint:tagliatelle // snake_case for config file
	Schema       any            `json:"schema,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// LoadOptions reads a JSONC options file (comments and trailing commas
// allowed) and merges it over [DefaultOptions]:
//
//	{
//	    // tuple key
//	    "key": ["org", "id"],
//	    "parse_mode": "strict",
//	    "lock_timeout": "2s",
//	}
//
// Read failures are [ErrIO]; everything wrong with the content is
// [ErrParse], except key specifier problems, which are [ErrKey].
func LoadOptions(path string) (Options, error) {
	return LoadOptionsFS(fs.NewReal(), path)
}

// LoadOptionsFS is [LoadOptions] reading through fsys.
func LoadOptionsFS(fsys fs.FS, path string) (Options, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Options{}, ioErr("read options "+path, err)
	}

	opts, err := ParseOptions(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}

	return opts, nil
}

// ParseOptions parses JSONC options data. See [LoadOptions].
func ParseOptions(data []byte) (Options, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, optionsErr("invalid JSONC: %w", err)
	}

	var file optionsFile

	err = json.Unmarshal(standardized, &file)
	if err != nil {
		return Options{}, optionsErr("%w", err)
	}

	opts, err := mergeOptions(DefaultOptions(), file)
	if err != nil {
		return Options{}, err
	}

	err = opts.validate()
	if err != nil {
		return Options{}, err
	}

	return opts, nil
}

func mergeOptions(base Options, overlay optionsFile) (Options, error) {
	if overlay.Key != nil {
		base.Key = *overlay.Key
	}

	if overlay.ParseMode != nil {
		base.ParseMode = *overlay.ParseMode
	}

	if overlay.WriteMode != nil {
		base.WriteMode = *overlay.WriteMode
	}

	if overlay.LockTimeout != "" {
		d, err := time.ParseDuration(overlay.LockTimeout)
		if err != nil {
			return Options{}, optionsErr("lock_timeout: %w", err)
		}

		base.LockTimeout = d
	}

	if overlay.AutoReload != nil {
		base.AutoReload = *overlay.AutoReload
	}

	if overlay.CreateHeader != nil {
		base.CreateHeader = *overlay.CreateHeader
	}

	if overlay.Schema != nil {
		base.Schema = overlay.Schema
	}

	if overlay.Meta != nil {
		base.Meta = overlay.Meta
	}

	return base, nil
}

func (o Options) validate() error {
	if !o.Key.IsZero() {
		err := o.Key.Validate()
		if err != nil {
			return optionsErr("key: %w", err)
		}
	}

	if o.ParseMode > Strict {
		return optionsErr("parse mode %d", o.ParseMode)
	}

	if o.WriteMode > Strict {
		return optionsErr("write mode %d", o.WriteMode)
	}

	if o.CreateHeader && o.Key.IsZero() {
		return optionsErr("%w: create_header needs a key", ErrKey)
	}

	switch o.Schema.(type) {
	case nil, string, map[string]any:
	default:
		return optionsErr("schema must be a string or an object")
	}

	return nil
}

// withDefaults fills zero fields the way [Open] does.
func (o Options) withDefaults() Options {
	if o.ParseMode == 0 {
		o.ParseMode = Lenient
	}

	if o.WriteMode == 0 {
		o.WriteMode = Strict
	}

	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	return o
}
