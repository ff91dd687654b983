package shaping

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tunwatch/internal/execx"
	"tunwatch/internal/logx"
)

// ErrInterfaceNotFound means shaping was requested for an interface that does
// not exist. Fatal for the shaping step of that tunnel, never for the
// watchdog as a whole.
var ErrInterfaceNotFound = errors.New("interface not found")

// Profile is one obfuscation rule set, applied and cleared as a unit. Timing
// jitter defeats inter-packet timing fingerprints; MSS and TTL variation break
// size and hop-count signatures.
type Profile struct {
	Interface          string
	JitterMeanMS       int
	JitterRangeMS      int
	PacketSizeVariance bool
	TTLRandomize       bool
}

func (p Profile) signature() string {
	return fmt.Sprintf("%s|%d|%d|%t|%t",
		p.Interface, p.JitterMeanMS, p.JitterRangeMS, p.PacketSizeVariance, p.TTLRandomize)
}

// Controller applies and clears obfuscation rules through tc and iptables.
// Reapplying an identical profile is a no-op so rules never stack.
type Controller struct {
	r execx.Runner

	mu      sync.Mutex
	applied map[string]*appliedState // by interface
}

type appliedState struct {
	signature   string
	mangleRules [][]string // args after "iptables -t mangle", for teardown
}

// NewController creates a controller over the given runner.
func NewController(r execx.Runner) *Controller {
	return &Controller{r: r, applied: make(map[string]*appliedState)}
}

// Apply installs the profile on its interface. Applying an already-applied
// profile succeeds without touching the rule set.
func (c *Controller) Apply(ctx context.Context, profile Profile) error {
	if profile.Interface == "" {
		return fmt.Errorf("shaping profile requires an interface")
	}
	if !c.interfaceExists(ctx, profile.Interface) {
		return fmt.Errorf("%w: %s", ErrInterfaceNotFound, profile.Interface)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.applied[profile.Interface]; ok && state.signature == profile.signature() {
		return nil
	}

	// qdisc replace is idempotent on its own: a second replace swaps the
	// netem parameters instead of stacking a new qdisc.
	if err := c.r.Run(ctx, "tc", "qdisc", "replace", "dev", profile.Interface, "root",
		"netem", "delay",
		fmt.Sprintf("%dms", profile.JitterMeanMS),
		fmt.Sprintf("%dms", profile.JitterRangeMS),
		"distribution", "normal"); err != nil {
		return fmt.Errorf("apply netem on %s: %w", profile.Interface, err)
	}

	state := &appliedState{signature: profile.signature()}

	if profile.PacketSizeVariance {
		mss := 512 + rand.Intn(949) // 512..1460
		rule := []string{"OUTPUT", "-o", profile.Interface,
			"-p", "tcp", "--tcp-flags", "SYN,RST", "SYN",
			"-j", "TCPMSS", "--set-mss", fmt.Sprintf("%d", mss)}
		if err := c.addMangleRule(ctx, rule); err != nil {
			return fmt.Errorf("apply mss variance on %s: %w", profile.Interface, err)
		}
		state.mangleRules = append(state.mangleRules, rule)
	}

	if profile.TTLRandomize {
		ttl := 32 + rand.Intn(97) // 32..128
		rule := []string{"OUTPUT", "-o", profile.Interface,
			"-j", "TTL", "--ttl-set", fmt.Sprintf("%d", ttl)}
		if err := c.addMangleRule(ctx, rule); err != nil {
			return fmt.Errorf("apply ttl randomization on %s: %w", profile.Interface, err)
		}
		state.mangleRules = append(state.mangleRules, rule)
	}

	// Drop any rules left over from a previous profile on this interface,
	// except ones the new profile reinstalled verbatim.
	if prev, ok := c.applied[profile.Interface]; ok {
		c.deleteMangleRules(ctx, subtractRules(prev.mangleRules, state.mangleRules))
	}
	c.applied[profile.Interface] = state

	logx.With(logrus.Fields{"iface": profile.Interface}).Info("traffic shaping applied")
	return nil
}

// Reapply forces a fresh install of the profile, used after a recovery has
// recreated the interface. A restart wipes the netem qdisc but OUTPUT-chain
// mangle rules survive it, and each apply picks new random MSS/TTL values, so
// the previous apply's rules must be deleted once the new ones are in place.
func (c *Controller) Reapply(ctx context.Context, profile Profile) error {
	c.mu.Lock()
	prev := c.applied[profile.Interface]
	delete(c.applied, profile.Interface)
	c.mu.Unlock()

	if err := c.Apply(ctx, profile); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	c.mu.Lock()
	var keep [][]string
	if state := c.applied[profile.Interface]; state != nil {
		keep = state.mangleRules
	}
	stale := subtractRules(prev.mangleRules, keep)
	c.mu.Unlock()

	c.deleteMangleRules(ctx, stale)
	return nil
}

// Clear removes all shaping rules from the interface. Succeeds even when no
// rules are present or the interface is already gone.
func (c *Controller) Clear(ctx context.Context, iface string) error {
	c.mu.Lock()
	state := c.applied[iface]
	delete(c.applied, iface)
	c.mu.Unlock()

	if err := c.r.Run(ctx, "tc", "qdisc", "del", "dev", iface, "root"); err != nil && !ignorableClearError(err) {
		return fmt.Errorf("clear qdisc on %s: %w", iface, err)
	}
	if state != nil {
		c.deleteMangleRules(ctx, state.mangleRules)
	}
	logx.With(logrus.Fields{"iface": iface}).Info("traffic shaping cleared")
	return nil
}

// AppliedInterfaces lists interfaces that currently carry shaping rules.
func (c *Controller) AppliedInterfaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.applied))
	for iface := range c.applied {
		out = append(out, iface)
	}
	return out
}

func (c *Controller) addMangleRule(ctx context.Context, rule []string) error {
	// Check-before-add keeps re-application from stacking duplicates.
	check := append([]string{"-t", "mangle", "-C"}, rule...)
	if err := c.r.Run(ctx, "iptables", check...); err == nil {
		return nil
	}
	add := append([]string{"-t", "mangle", "-A"}, rule...)
	return c.r.Run(ctx, "iptables", add...)
}

func (c *Controller) deleteMangleRules(ctx context.Context, rules [][]string) {
	for _, rule := range rules {
		del := append([]string{"-t", "mangle", "-D"}, rule...)
		if err := c.r.Run(ctx, "iptables", del...); err != nil {
			logx.L().WithError(err).Debug("mangle rule delete failed")
		}
	}
}

func (c *Controller) interfaceExists(ctx context.Context, iface string) bool {
	_, err := c.r.Output(ctx, "ip", "link", "show", "dev", iface)
	return err == nil
}

func subtractRules(rules, keep [][]string) [][]string {
	var out [][]string
	for _, rule := range rules {
		if !containsRule(keep, rule) {
			out = append(out, rule)
		}
	}
	return out
}

func containsRule(rules [][]string, rule []string) bool {
	for _, r := range rules {
		if strings.Join(r, " ") == strings.Join(rule, " ") {
			return true
		}
	}
	return false
}

func ignorableClearError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot delete qdisc") ||
		strings.Contains(msg, "No such file") ||
		strings.Contains(msg, "Invalid argument") ||
		strings.Contains(msg, "Cannot find device") ||
		strings.Contains(msg, "does not exist")
}
