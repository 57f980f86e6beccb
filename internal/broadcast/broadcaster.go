package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zak10/arena-dnpbmf/internal/bus"
	"github.com/zak10/arena-dnpbmf/internal/metrics"
	"github.com/zak10/arena-dnpbmf/internal/model"
	"github.com/zak10/arena-dnpbmf/internal/registry"
)

const shardCount = 32

// DefaultTopicPrefix is prepended to group names to form bus topics.
const DefaultTopicPrefix = "arena.group."

// group is the local membership of one group.
type group struct {
	mu      sync.Mutex
	name    string
	members map[string]struct{}
	dead    bool // Removed from the shard map; callers must look up again
}

type groupShard struct {
	mu     sync.Mutex
	groups map[string]*group
}

// Stats reports broadcaster counters.
type Stats struct {
	Groups          int
	Published       int64
	PublishFailures int64
	Received        int64
	Delivered       int64
	DeliveryErrors  int64
}

// Broadcaster manages group membership and fan-out.
type Broadcaster struct {
	registry   *registry.Registry
	bus        bus.Bus
	logger     *slog.Logger
	metrics    metrics.Sink
	instanceID string
	prefix     string

	seed   maphash.Seed
	shards [shardCount]*groupShard
	count  atomic.Int64

	published       atomic.Int64
	publishFailures atomic.Int64
	received        atomic.Int64
	delivered       atomic.Int64
	deliveryErrors  atomic.Int64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithInstanceID tags published envelopes with the publishing process.
func WithInstanceID(id string) Option {
	return func(b *Broadcaster) {
		b.instanceID = id
	}
}

// WithTopicPrefix overrides DefaultTopicPrefix.
func WithTopicPrefix(prefix string) Option {
	return func(b *Broadcaster) {
		b.prefix = prefix
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(b *Broadcaster) {
		if sink != nil {
			b.metrics = sink
		}
	}
}

// New creates a Broadcaster and installs it as reg's group detacher.
func New(reg *registry.Registry, b bus.Bus, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	br := &Broadcaster{
		registry: reg,
		bus:      b,
		logger:   logger.With("component", "broadcaster"),
		metrics:  metrics.Nop{},
		prefix:   DefaultTopicPrefix,
		seed:     maphash.MakeSeed(),
	}
	for i := 0; i < shardCount; i++ {
		br.shards[i] = &groupShard{groups: make(map[string]*group)}
	}
	for _, opt := range opts {
		opt(br)
	}

	reg.SetDetacher(br)
	return br
}

// Topic returns the bus topic of a group.
func (b *Broadcaster) Topic(groupName string) string {
	return b.prefix + groupName
}

func (b *Broadcaster) shard(groupName string) *groupShard {
	return b.shards[maphash.String(b.seed, groupName)&(shardCount-1)]
}

// acquire returns the locked entry for groupName, creating it if needed.
func (b *Broadcaster) acquire(groupName string) *group {
	s := b.shard(groupName)
	for {
		s.mu.Lock()
		g, ok := s.groups[groupName]
		if !ok {
			g = &group{name: groupName, members: make(map[string]struct{})}
			s.groups[groupName] = g
			b.count.Add(1)
		}
		s.mu.Unlock()

		g.mu.Lock()
		if !g.dead {
			return g
		}
		g.mu.Unlock()
	}
}

// lookup returns the locked entry for groupName, or nil.
func (b *Broadcaster) lookup(groupName string) *group {
	s := b.shard(groupName)
	s.mu.Lock()
	g, ok := s.groups[groupName]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		return nil
	}
	return g
}

// dropLocked removes an empty entry from the shard map. g.mu must be held.
func (b *Broadcaster) dropLocked(g *group) {
	g.dead = true
	s := b.shard(g.name)
	s.mu.Lock()
	if s.groups[g.name] == g {
		delete(s.groups, g.name)
		b.count.Add(-1)
	}
	s.mu.Unlock()
}

// releaseLocked unsubscribes the bus topic of a group that just became empty
// and drops its entry. g.mu must be held.
func (b *Broadcaster) releaseLocked(ctx context.Context, g *group) {
	if err := b.bus.Unsubscribe(ctx, b.Topic(g.name)); err != nil {
		b.logger.Warn("bus unsubscribe failed", "group", g.name, "error", err)
	}
	b.dropLocked(g)
}

// Subscribe adds connectionID to a group. Subscribing twice is a no-op. The
// first local member subscribes this process to the group's bus topic; if that
// fails the membership is rolled back and model.ErrBusUnavailable is returned.
func (b *Broadcaster) Subscribe(ctx context.Context, connectionID, groupName string) error {
	g := b.acquire(groupName)
	defer g.mu.Unlock()

	if _, ok := g.members[connectionID]; ok {
		return nil
	}

	if err := b.registry.JoinGroup(connectionID, groupName); err != nil {
		if len(g.members) == 0 {
			b.dropLocked(g)
		}
		return err
	}

	if len(g.members) == 0 {
		if err := b.bus.Subscribe(ctx, b.Topic(groupName), b.handler(groupName)); err != nil {
			b.registry.LeaveGroup(connectionID, groupName)
			b.dropLocked(g)
			return fmt.Errorf("subscribe %s: %w: %v", groupName, model.ErrBusUnavailable, err)
		}
		b.logger.Debug("bus topic subscribed", "group", groupName, "topic", b.Topic(groupName))
	}

	g.members[connectionID] = struct{}{}
	return nil
}

// Unsubscribe removes connectionID from a group. Leaving a group the
// connection never joined is a no-op. The last local member unsubscribes the
// bus topic.
func (b *Broadcaster) Unsubscribe(ctx context.Context, connectionID, groupName string) error {
	g := b.lookup(groupName)
	if g == nil {
		return nil
	}
	defer g.mu.Unlock()

	if _, ok := g.members[connectionID]; !ok {
		return nil
	}
	delete(g.members, connectionID)
	b.registry.LeaveGroup(connectionID, groupName)

	if len(g.members) == 0 {
		b.releaseLocked(ctx, g)
	}
	return nil
}

// DetachAll strips a removed connection from groups. Called by the Registry.
func (b *Broadcaster) DetachAll(connectionID string, groups []string) {
	for _, name := range groups {
		g := b.lookup(name)
		if g == nil {
			continue
		}
		delete(g.members, connectionID)
		if len(g.members) == 0 {
			b.releaseLocked(context.Background(), g)
		}
		g.mu.Unlock()
	}
}

// Publish sends event to every subscriber of groupName, in any process.
// Local subscribers receive it when the bus delivers it back.
func (b *Broadcaster) Publish(ctx context.Context, groupName string, event model.OutboundEvent) error {
	if err := model.ValidateGroup(groupName); err != nil {
		return err
	}

	env := model.Envelope{
		Group:         groupName,
		Type:          event.Type,
		Payload:       event.Payload,
		CorrelationID: event.CorrelationID,
		Origin:        b.instanceID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.bus.Publish(ctx, b.Topic(groupName), data); err != nil {
		b.publishFailures.Add(1)
		b.metrics.EventPublished("error")
		b.logger.Error("publish failed",
			"group", groupName,
			"type", event.Type,
			"correlation_id", event.CorrelationID,
			"error", err,
		)
		return fmt.Errorf("publish %s: %w: %v", groupName, model.ErrBusUnavailable, err)
	}

	b.published.Add(1)
	b.metrics.EventPublished("ok")
	return nil
}

// handler returns the bus handler of a group topic.
func (b *Broadcaster) handler(groupName string) bus.Handler {
	return func(msg bus.Message) {
		b.received.Add(1)

		var env model.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			b.logger.Warn("dropping undecodable bus message", "topic", msg.Topic, "error", err)
			return
		}
		if env.Group != groupName {
			b.logger.Warn("dropping bus message for another group",
				"topic", msg.Topic,
				"group", groupName,
				"envelope_group", env.Group,
			)
			return
		}
		b.deliver(env.Event())
	}
}

// deliver hands an event to every local member of its group.
func (b *Broadcaster) deliver(event model.OutboundEvent) {
	members := b.Members(event.Target.ID)
	if len(members) == 0 {
		return
	}

	frame := event.Frame()
	sent := 0
	for _, id := range members {
		conn, ok := b.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := conn.Send(frame); err != nil {
			b.deliveryErrors.Add(1)
			b.logger.Debug("delivery failed",
				"conn_id", id,
				"group", event.Target.ID,
				"error", err,
			)
			continue
		}
		sent++
	}

	b.delivered.Add(int64(sent))
	b.metrics.EventsDelivered(sent)
}

// Members returns the local members of a group.
func (b *Broadcaster) Members(groupName string) []string {
	g := b.lookup(groupName)
	if g == nil {
		return nil
	}
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	return ids
}

// Groups returns the number of groups with at least one local member.
func (b *Broadcaster) Groups() int {
	return int(b.count.Load())
}

// Stats returns current statistics.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Groups:          b.Groups(),
		Published:       b.published.Load(),
		PublishFailures: b.publishFailures.Load(),
		Received:        b.received.Load(),
		Delivered:       b.delivered.Load(),
		DeliveryErrors:  b.deliveryErrors.Load(),
	}
}
