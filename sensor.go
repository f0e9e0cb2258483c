package cell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

const defaultPollTimeout = 5 * time.Second

// SenderChannel is the sentinel Send target that redirects the reply to the
// package's original sender instead of a nominal channel.
const SenderChannel = "sender"

// PredicateFilter is a dynamically-pluggable filter applied to the
// flattened payload. Returning false silently drops the package; the
// stream continues.
type PredicateFilter func(data map[string]any) bool

// ResolveContext carries the decode parameters into a TokenResolver.
type ResolveContext struct {
	// Token is the template token being resolved (e.g. "data_type").
	Token string
	// IDField names the payload field holding a backing-record id.
	IDField string
	// Fields is the declared payload field allowlist.
	Fields []string
	// Filters holds the structural field-equality filters.
	Filters map[string]any
}

// TokenResolver resolves one name-template token against a raw inbound
// message: typically by looking up a backing record by id, or by validating
// and flattening the payload against the structural filters. Returning a
// nil map with a nil error drops the package.
type TokenResolver func(ctx context.Context, message any, rc ResolveContext) (map[string]any, error)

var templateTokenRe = regexp.MustCompile(`\{(\w+)\}`)

// SensorGateway converts raw inbound transport packages into typed,
// filtered SensoryEvents and routes replies and errors. One gateway serves
// one sensor channel at a time; SetSensor selects it.
type SensorGateway struct {
	transport Transport
	sensors   map[string]string // channel -> name template
	resolvers map[string]TokenResolver
	self      string
	user      string
	logger    *slog.Logger
	poll      time.Duration

	// cached by SetSensor
	sensor string
	tokens []string

	// configured by Listen
	sub        Subscription
	structural map[string]any
	predicates []PredicateFilter
	fields     []string
	idField    string
}

// GatewayOption configures a SensorGateway.
type GatewayOption func(*SensorGateway)

// WithTokenResolver registers the resolver for a template token.
func WithTokenResolver(token string, r TokenResolver) GatewayOption {
	return func(g *SensorGateway) { g.resolvers[token] = r }
}

// WithPollTimeout bounds each blocking channel read. Default 5s.
func WithPollTimeout(d time.Duration) GatewayOption {
	return func(g *SensorGateway) { g.poll = d }
}

// WithGatewayLogger sets a structured logger for the gateway.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *SensorGateway) { g.logger = l }
}

// NewSensorGateway creates a gateway for the agent identity (self, user)
// over the transport. sensors maps registered channel names to their
// name templates; templates may declare {token} placeholders resolved via
// WithTokenResolver.
func NewSensorGateway(transport Transport, sensors map[string]string, self, user string, opts ...GatewayOption) *SensorGateway {
	g := &SensorGateway{
		transport: transport,
		sensors:   sensors,
		resolvers: map[string]TokenResolver{},
		self:      self,
		user:      user,
		logger:    nopLogger,
		poll:      defaultPollTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetSensor selects the sensor channel, resolving and caching its
// name-template token grammar. It fails fast when the channel is not
// registered.
func (g *SensorGateway) SetSensor(channel string) error {
	template, ok := g.sensors[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, channel)
	}
	g.sensor = channel
	g.tokens = nil
	for _, m := range templateTokenRe.FindAllStringSubmatch(template, -1) {
		g.tokens = append(g.tokens, m[1])
	}
	g.logger.Debug("sensor selected", "channel", channel, "tokens", g.tokens)
	return nil
}

// Listen subscribes to the selected sensor and stores the decode
// configuration. filters values of type PredicateFilter become predicate
// filters; every other entry is a structural field-equality filter on the
// flattened payload. fields is the payload field allowlist and idField
// names the backing-record id field for token resolvers. Packages then
// arrive through Next.
func (g *SensorGateway) Listen(ctx context.Context, filters map[string]any, fields []string, idField string) error {
	if g.sensor == "" {
		return ErrNoSensor
	}
	structural := map[string]any{}
	var predicates []PredicateFilter
	for name, value := range filters {
		if p, ok := value.(PredicateFilter); ok {
			predicates = append(predicates, p)
			continue
		}
		structural[name] = value
	}
	sub, err := g.transport.Subscribe(ctx, g.sensor)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.sensor, err)
	}
	if g.sub != nil {
		g.sub.Close()
	}
	g.sub = sub
	g.structural = structural
	g.predicates = predicates
	g.fields = fields
	g.idField = idField
	return nil
}

// Next blocks until the next package decodes into an event. Packages
// dropped by filters are skipped silently and the stream continues. On a
// decode failure Next publishes a structured error envelope to
// error:<channel> and returns the error; the stream is restartable, so the
// caller may simply call Next again.
func (g *SensorGateway) Next(ctx context.Context) (SensoryEvent, error) {
	if g.sub == nil {
		return SensoryEvent{}, ErrNoSensor
	}
	for {
		pkg, err := g.sub.Next(ctx, g.poll)
		if err != nil {
			return SensoryEvent{}, err
		}
		if pkg == nil {
			// Poll timeout with nothing to read.
			if err := ctx.Err(); err != nil {
				return SensoryEvent{}, err
			}
			continue
		}
		event, err := g.decode(ctx, pkg)
		if err != nil {
			g.publishError(ctx, pkg, err)
			return SensoryEvent{}, &ErrDecode{Sensor: g.sensor, Err: err}
		}
		if event == nil {
			continue
		}
		return *event, nil
	}
}

// Close tears down the active subscription.
func (g *SensorGateway) Close() error {
	if g.sub == nil {
		return nil
	}
	err := g.sub.Close()
	g.sub = nil
	return err
}

// Send publishes the reply envelope for an event. The sentinel channel
// "sender" redirects the reply to the package's original sender.
func (g *SensorGateway) Send(ctx context.Context, channel string, event SensoryEvent, response ResponseExport, memory []ChatMessage) error {
	target := channel
	if channel == SenderChannel {
		target = event.Sender
	}
	envelope := ReplyEnvelope{
		Self:     g.self,
		User:     g.user,
		Sensor:   event.Sensor,
		Sender:   event.Sender,
		Message:  event.Data,
		Response: response,
		Time:     time.Now().UTC(),
		Memory:   memory,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := g.transport.Publish(ctx, target, payload); err != nil {
		return fmt.Errorf("publish reply to %s: %w", target, err)
	}
	return nil
}

// decode turns one raw package into an event, or nil when a filter drops it.
func (g *SensorGateway) decode(ctx context.Context, pkg *Package) (*SensoryEvent, error) {
	raw := decodeRaw(pkg.Message)

	var data map[string]any
	if len(g.tokens) > 0 {
		data = map[string]any{}
		for _, token := range g.tokens {
			resolver, ok := g.resolvers[token]
			if !ok {
				return nil, fmt.Errorf("no resolver for token %q", token)
			}
			resolved, err := resolver(ctx, raw, ResolveContext{
				Token:   token,
				IDField: g.idField,
				Fields:  g.fields,
				Filters: g.structural,
			})
			if err != nil {
				return nil, fmt.Errorf("resolve token %q: %w", token, err)
			}
			if resolved == nil {
				return nil, nil
			}
			for k, v := range resolved {
				data[k] = v
			}
		}
	} else {
		data = flattenPayload(raw, g.fields, g.idField)
		for field, want := range g.structural {
			if !valueEqual(data[field], want) {
				return nil, nil
			}
		}
	}
	normalizeStrings(data)

	for _, predicate := range g.predicates {
		if !predicate(data) {
			return nil, nil
		}
	}

	return &SensoryEvent{
		Sensor: g.sensor,
		Sender: pkg.Sender,
		Time:   pkg.Time,
		Data:   data,
	}, nil
}

// publishError routes a decode failure to the error:<channel> topic.
func (g *SensorGateway) publishError(ctx context.Context, pkg *Package, cause error) {
	envelope := ErrorEnvelope{
		Time:      time.Now().UTC(),
		Self:      g.self,
		User:      g.user,
		Sensor:    g.sensor,
		Sender:    pkg.Sender,
		Message:   decodeRaw(pkg.Message),
		Error:     cause.Error(),
		Traceback: string(debug.Stack()),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		g.logger.Error("encode error envelope", "sensor", g.sensor, "error", err)
		return
	}
	if err := g.transport.Publish(ctx, "error:"+g.sensor, payload); err != nil {
		g.logger.Error("publish error envelope", "sensor", g.sensor, "error", err)
	}
}

// decodeRaw interprets the package message as JSON, falling back to the
// raw text for non-JSON scalars.
func decodeRaw(message json.RawMessage) any {
	var raw any
	if err := json.Unmarshal(message, &raw); err != nil {
		return string(message)
	}
	return raw
}

// flattenPayload normalizes a scalar or object payload into a flat map.
// Nested objects flatten to dotted keys. When fields is non-empty, only
// declared fields (plus the id field) survive. Scalars land under
// "message".
func flattenPayload(raw any, fields []string, idField string) map[string]any {
	flat := map[string]any{}
	switch v := raw.(type) {
	case map[string]any:
		flattenInto(flat, "", v)
	default:
		flat["message"] = v
	}
	if len(fields) == 0 {
		return flat
	}
	keep := map[string]bool{"message": true}
	for _, f := range fields {
		keep[f] = true
	}
	if idField != "" {
		keep[idField] = true
	}
	out := map[string]any{}
	for k, v := range flat {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

func flattenInto(flat map[string]any, prefix string, obj map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(flat, key, nested)
			continue
		}
		flat[key] = v
	}
}

// normalizeStrings applies Unicode NFC normalization to every string value.
func normalizeStrings(data map[string]any) {
	for k, v := range data {
		if s, ok := v.(string); ok {
			data[k] = norm.NFC.String(s)
		}
	}
}

// valueEqual compares a payload value with a structural filter value,
// tolerating the numeric widening of JSON decoding.
func valueEqual(got, want any) bool {
	if got == want {
		return true
	}
	return stringifyValue(got) == stringifyValue(want)
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}
