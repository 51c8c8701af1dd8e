package units

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

var (
	ErrNoInverse   = errors.New("no inverse formula")
	ErrUnknownUnit = errors.New("unknown unit")
)

// SnapshotFetcher loads the complete conversion metadata (request/response)
type SnapshotFetcher interface {
	FetchConversions(ctx context.Context) (map[string]events.PathConversion, error)
}

// Spec holds the conversion metadata of one path (or one category default)
type Spec struct {
	Path     string
	BaseUnit string
	Category Category
	// raw category name as sent by the server
	CategoryName string
	TargetUnit   string
	// target unit -> formula
	Units map[string]*Formula
}

// active formula for the target unit
//
// A spec whose target unit equals its base unit converts explicitly to
// itself: the identity formula is returned, which is not the same as having
// no conversion at all.
func (s *Spec) active() (*Formula, bool) {
	if s == nil {
		return nil, false
	}
	if f, ok := s.Units[s.TargetUnit]; ok {
		return f, true
	}
	if s.TargetUnit != "" && s.TargetUnit == s.BaseUnit {
		return &Formula{Unit: s.BaseUnit, Symbol: s.BaseUnit}, true
	}
	if s.TargetUnit == "" && len(s.Units) == 1 {
		for _, f := range s.Units {
			return f, true
		}
	}
	return nil, false
}

func newSpec(path string, pc events.PathConversion) *Spec {
	s := &Spec{
		Path:         path,
		BaseUnit:     pc.BaseUnit,
		Category:     ParseCategory(pc.Category),
		CategoryName: pc.Category,
		TargetUnit:   pc.TargetUnit,
		Units:        make(map[string]*Formula, len(pc.Conversions)),
	}
	if s.CategoryName == "" {
		s.CategoryName = CategoryNone.String()
	}
	if s.BaseUnit == "" {
		s.BaseUnit = s.Category.BaseUnit()
	}
	for unit, uc := range pc.Conversions {
		f, err := compileFormula(unit, uc)
		if err != nil {
			log.Warn().Msgf("Skipping conversion of %s to %s: %s", path, unit, err)
			continue
		}
		s.Units[unit] = f
	}
	return s
}

// Engine converts raw (SI) values to display units and back
type Engine struct {
	mu         sync.RWMutex
	specs      map[string]*Spec
	categories map[string]*Spec
	fetcher    SnapshotFetcher
	precision  int
}

type Option func(*Engine)

// WithPrecision sets the number of decimals used by Format (default 1)
func WithPrecision(decimals int) Option {
	return func(e *Engine) { e.precision = decimals }
}

func NewEngine(fetcher SnapshotFetcher, opts ...Option) *Engine {
	e := &Engine{
		specs:      make(map[string]*Spec),
		categories: make(map[string]*Spec),
		fetcher:    fetcher,
		precision:  1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadSnapshot fetches all conversions and replaces the current ones
func (e *Engine) LoadSnapshot(ctx context.Context) error {
	if e.fetcher == nil {
		return errors.New("no conversion snapshot source")
	}
	conv, err := e.fetcher.FetchConversions(ctx)
	if err != nil {
		return fmt.Errorf("load conversions: %w", err)
	}
	e.Replace(conv)
	log.Debug().Msgf("Loaded %d conversions", len(conv))
	return nil
}

// Replace swaps all path conversions
func (e *Engine) Replace(conv map[string]events.PathConversion) {
	specs := make(map[string]*Spec, len(conv))
	for path, pc := range conv {
		specs[path] = newSpec(path, pc)
	}
	e.mu.Lock()
	e.specs = specs
	e.mu.Unlock()
}

// ApplyUpdate applies a message of the conversion stream
//
// `full` clears all conversions before merging, `delta` merges only the
// paths named. Other types are ignored.
func (e *Engine) ApplyUpdate(msg *events.ConversionsMessage) {
	if msg == nil {
		return
	}
	specs := make(map[string]*Spec, len(msg.Conversions))
	for path, pc := range msg.Conversions {
		specs[path] = newSpec(path, pc)
	}
	cats := make(map[string]*Spec, len(msg.Categories))
	for name, pc := range msg.Categories {
		if pc.Category == "" {
			pc.Category = name
		}
		cats[name] = newSpec(name, pc)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch msg.Type {
	case events.ConversionsFull:
		e.specs = specs
		if len(cats) > 0 {
			e.categories = cats
		}
	case events.ConversionsDelta:
		for path, s := range specs {
			e.specs[path] = s
		}
		for name, s := range cats {
			e.categories[name] = s
		}
	default:
		log.Debug().Msgf("Ignoring conversions message of type %q", msg.Type)
	}
}

// HandleMessage is the message handler of the conversion channel
func (e *Engine) HandleMessage(data []byte) {
	msg, err := events.ParseConversions(data)
	if err != nil {
		if errors.Is(err, events.ErrUnknownShape) {
			log.Debug().Msgf("Ignoring conversions message: %s", err)
		} else {
			log.Warn().Msgf("Failed to parse conversions message: %s", err)
		}
		return
	}
	e.ApplyUpdate(msg)
}

// SetCategoryDefaults replaces the category default conversions
func (e *Engine) SetCategoryDefaults(defaults map[string]events.PathConversion) {
	cats := make(map[string]*Spec, len(defaults))
	for name, pc := range defaults {
		if pc.Category == "" {
			pc.Category = name
		}
		cats[name] = newSpec(name, pc)
	}
	e.mu.Lock()
	e.categories = cats
	e.mu.Unlock()
}

// Clear drops all conversion metadata
func (e *Engine) Clear() {
	e.mu.Lock()
	e.specs = make(map[string]*Spec)
	e.categories = make(map[string]*Spec)
	e.mu.Unlock()
}

// Len returns the number of paths with conversion metadata
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.specs)
}

// Spec returns the conversion metadata of a path
func (e *Engine) Spec(path string) (*Spec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.specs[path]
	return s, ok
}

// Category of a path, CategoryNone if unknown
func (e *Engine) Category(path string) Category {
	if s, ok := e.Spec(path); ok {
		return s.Category
	}
	return CategoryNone
}

// formula resolves the active formula of a path
//
// The path's own spec wins. Without a usable formula the category default
// is used: first by category name, then the first category (sorted by name)
// with the same base unit.
func (e *Engine) formula(path string) (*Formula, *Spec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.specs[path]
	if !ok {
		return nil, nil, false
	}
	if f, ok := s.active(); ok {
		return f, s, true
	}
	if def, ok := e.categories[s.CategoryName]; ok {
		if f, ok := def.active(); ok {
			return f, s, true
		}
	}
	if s.BaseUnit == "" {
		return nil, s, false
	}
	names := make([]string, 0, len(e.categories))
	for name := range e.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := e.categories[name]
		if def.BaseUnit != s.BaseUnit {
			continue
		}
		if f, ok := def.active(); ok {
			return f, s, true
		}
	}
	return nil, s, false
}

// Convert converts a raw (SI) value to the display unit of the path
//
// Values of paths without conversion pass through unchanged.
func (e *Engine) Convert(path string, si float64) (float64, error) {
	f, _, ok := e.formula(path)
	if !ok {
		return si, nil
	}
	v, err := f.apply(si)
	if err != nil {
		return si, fmt.Errorf("convert %s: %w", path, err)
	}
	return v, nil
}

// ConvertToSI converts a display value back to the raw (SI) value
func (e *Engine) ConvertToSI(path string, display float64) (float64, error) {
	f, _, ok := e.formula(path)
	if !ok {
		return display, nil
	}
	v, err := f.applyInverse(display)
	if err != nil {
		return display, fmt.Errorf("convert %s to SI: %w", path, err)
	}
	return v, nil
}

// ConvertToSIFrom converts a value given in an explicit unit to SI
func (e *Engine) ConvertToSIFrom(path, unit string, display float64) (float64, error) {
	e.mu.RLock()
	s, ok := e.specs[path]
	var f *Formula
	if ok {
		f = s.Units[unit]
		if f == nil {
			if def, found := e.categories[s.CategoryName]; found {
				f = def.Units[unit]
			}
		}
	}
	e.mu.RUnlock()

	switch {
	case f != nil:
		v, err := f.applyInverse(display)
		if err != nil {
			return display, fmt.Errorf("convert %s from %s: %w", path, unit, err)
		}
		return v, nil
	case ok && unit == s.BaseUnit:
		return display, nil
	default:
		return display, fmt.Errorf("convert %s from %s: %w", path, unit, ErrUnknownUnit)
	}
}

// SymbolFor returns the display unit symbol of a path
func (e *Engine) SymbolFor(path string) (string, bool) {
	f, s, ok := e.formula(path)
	if ok {
		if f.Symbol != "" {
			return f.Symbol, true
		}
		return s.BaseUnit, s.BaseUnit != ""
	}
	if s != nil && s.BaseUnit != "" {
		return s.BaseUnit, true
	}
	return "", false
}

// Format renders a raw value in display units, e.g. `7.0 kn`
func (e *Engine) Format(path string, v events.Value) string {
	switch v.Kind() {
	case events.KindNumber:
		raw, _ := v.Float()
		converted, err := e.Convert(path, raw)
		if err != nil {
			log.Debug().Msgf("Formatting %s unconverted: %s", path, err)
		}
		return e.FormatNumber(path, converted)
	case events.KindObject:
		if m, ok := v.Object(); ok {
			if s, ok := formatPosition(m); ok {
				return s
			}
		}
		return v.String()
	default:
		return v.String()
	}
}

// FormatNumber renders an already converted value with the path's symbol
func (e *Engine) FormatNumber(path string, display float64) string {
	text := strconv.FormatFloat(display, 'f', e.precision, 64)
	if symbol, ok := e.SymbolFor(path); ok && symbol != "" {
		return text + " " + symbol
	}
	return text
}

func formatPosition(m map[string]any) (string, bool) {
	lat, okLat := m["latitude"].(float64)
	lon, okLon := m["longitude"].(float64)
	if !okLat || !okLon {
		return "", false
	}
	return fmt.Sprintf("%.5f, %.5f", lat, lon), true
}
