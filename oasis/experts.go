package oasis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Expert is one persona participating in discussions.
type Expert struct {
	Name        string  `json:"name"`
	Tag         string  `json:"tag"`
	Persona     string  `json:"persona"`
	Temperature float64 `json:"temperature"`
	// Source is "public" for built-ins and "custom" for per-user
	// experts. Not persisted in the custom files.
	Source string `json:"source,omitempty"`
}

// defaultExperts is the built-in roster used when no experts file is
// configured or readable.
var defaultExperts = []Expert{
	{Name: "创意专家", Tag: "creative", Persona: "你是一个乐观的创新者，善于发现机遇和非常规解决方案。你喜欢挑战传统观念，提出大胆且具有前瞻性的想法。", Temperature: 0.9},
	{Name: "批判专家", Tag: "critical", Persona: "你是一个严谨的批判性思考者，善于发现风险、漏洞和逻辑谬误。你会指出方案中的潜在问题，确保讨论不会忽视重要细节。", Temperature: 0.3},
	{Name: "数据分析师", Tag: "data", Persona: "你是一个数据驱动的分析师，只相信数据和事实。你用数字、案例和逻辑推导来支撑你的观点。", Temperature: 0.5},
	{Name: "综合顾问", Tag: "synthesis", Persona: "你善于综合不同观点，寻找平衡方案，关注实际可操作性。你会识别各方共识，提出兼顾多方利益的务实建议。", Temperature: 0.5},
}

// Roster holds the built-in experts plus per-user custom experts stored
// as one JSON file per user. Tag uniqueness checks and file writes are
// serialized per user.
type Roster struct {
	builtin []Expert
	dir     string // directory of per-user custom expert files

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRoster loads the built-in roster from path (falling back to the
// compiled-in defaults when the file is absent) and manages per-user
// custom experts under dir.
func NewRoster(path, dir string) (*Roster, error) {
	builtin := defaultExperts
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var loaded []Expert
			if err := json.Unmarshal(data, &loaded); err != nil {
				return nil, fmt.Errorf("parse experts file %s: %w", path, err)
			}
			if len(loaded) > 0 {
				builtin = loaded
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read experts file: %w", err)
		}
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create custom experts dir: %w", err)
		}
	}
	return &Roster{builtin: builtin, dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// userLock returns the per-user mutex, creating it on first use.
func (r *Roster) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

func (r *Roster) userFile(userID string) string {
	return filepath.Join(r.dir, userID+".json")
}

// loadCustom reads the user's custom experts. Missing file means none.
// Caller must hold the user lock.
func (r *Roster) loadCustom(userID string) ([]Expert, error) {
	if r.dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.userFile(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read custom experts: %w", err)
	}
	var experts []Expert
	if err := json.Unmarshal(data, &experts); err != nil {
		return nil, fmt.Errorf("parse custom experts for %s: %w", userID, err)
	}
	return experts, nil
}

// saveCustom writes the user's custom experts. Caller must hold the
// user lock.
func (r *Roster) saveCustom(userID string, experts []Expert) error {
	data, err := json.MarshalIndent(experts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode custom experts: %w", err)
	}
	return os.WriteFile(r.userFile(userID), data, 0o644)
}

// List returns the experts visible to the user: built-ins marked
// public, customs marked custom. An empty userID lists built-ins only.
func (r *Roster) List(userID string) ([]Expert, error) {
	out := make([]Expert, 0, len(r.builtin))
	for _, e := range r.builtin {
		e.Source = "public"
		out = append(out, e)
	}
	if userID == "" {
		return out, nil
	}

	lock := r.userLock(userID)
	lock.Lock()
	custom, err := r.loadCustom(userID)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	for _, e := range custom {
		e.Source = "custom"
		out = append(out, e)
	}
	return out, nil
}

// Resolve maps tags to experts visible to the user. Empty tags selects
// every visible expert. Unknown tags are skipped; when nothing matches
// the full visible roster is returned.
func (r *Roster) Resolve(userID string, tags []string) ([]Expert, error) {
	visible, err := r.List(userID)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return visible, nil
	}
	var out []Expert
	for _, tag := range tags {
		for _, e := range visible {
			if e.Tag == tag {
				out = append(out, e)
				break
			}
		}
	}
	if len(out) == 0 {
		return visible, nil
	}
	return out, nil
}

// validate checks the fields every custom expert must carry.
func validate(e Expert) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("expert name must not be empty")
	}
	if strings.TrimSpace(e.Tag) == "" {
		return fmt.Errorf("expert tag must not be empty")
	}
	if strings.TrimSpace(e.Persona) == "" {
		return fmt.Errorf("expert persona must not be empty")
	}
	if e.Temperature < 0 || e.Temperature > 1 {
		return fmt.Errorf("expert temperature must be in [0,1]")
	}
	return nil
}

// Add creates a custom expert for the user. The tag must not collide
// with any built-in tag or another of the user's custom tags.
func (r *Roster) Add(userID string, e Expert) (Expert, error) {
	if err := validate(e); err != nil {
		return Expert{}, err
	}
	for _, b := range r.builtin {
		if b.Tag == e.Tag {
			return Expert{}, fmt.Errorf("tag %q collides with a built-in expert", e.Tag)
		}
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	custom, err := r.loadCustom(userID)
	if err != nil {
		return Expert{}, err
	}
	for _, c := range custom {
		if c.Tag == e.Tag {
			return Expert{}, fmt.Errorf("tag %q already exists", e.Tag)
		}
	}
	e.Source = ""
	custom = append(custom, e)
	if err := r.saveCustom(userID, custom); err != nil {
		return Expert{}, err
	}
	e.Source = "custom"
	return e, nil
}

// Update overwrites a custom expert's fields. The tag itself is
// immutable.
func (r *Roster) Update(userID, tag string, changes Expert) (Expert, error) {
	changes.Tag = tag
	if err := validate(changes); err != nil {
		return Expert{}, err
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	custom, err := r.loadCustom(userID)
	if err != nil {
		return Expert{}, err
	}
	for i, c := range custom {
		if c.Tag != tag {
			continue
		}
		changes.Source = ""
		custom[i] = changes
		if err := r.saveCustom(userID, custom); err != nil {
			return Expert{}, err
		}
		changes.Source = "custom"
		return changes, nil
	}
	return Expert{}, fmt.Errorf("custom expert %q not found", tag)
}

// Delete removes a custom expert and returns it.
func (r *Roster) Delete(userID, tag string) (Expert, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	custom, err := r.loadCustom(userID)
	if err != nil {
		return Expert{}, err
	}
	for i, c := range custom {
		if c.Tag != tag {
			continue
		}
		deleted := c
		custom = append(custom[:i], custom[i+1:]...)
		if err := r.saveCustom(userID, custom); err != nil {
			return Expert{}, err
		}
		deleted.Source = "custom"
		return deleted, nil
	}
	return Expert{}, fmt.Errorf("custom expert %q not found", tag)
}
