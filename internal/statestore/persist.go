package statestore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// persistedFields lists the only device-scoped fields ever written to
// disk, per §3 "Persistence (narrow)": activeScene, playState,
// brightness, displayOn, loggingLevel. Everything else — generationId,
// status, loopTimer, metrics — is transient and always re-initialized
// to defaults on restore.
var persistedFields = map[string]bool{
	"activeScene":   true,
	"playState":     true,
	"brightness":    true,
	"displayOn":     true,
	"loggingLevel":  true,
}

func isPersistedPath(path Path) bool {
	segs := path.segments()
	if len(segs) != 3 || segs[0] != "device" {
		return false
	}
	return persistedFields[segs[2]]
}

// documentVersion is the schema version written to the persisted
// document. A mismatch on load triggers the migration/reset path.
const documentVersion = 1

// Document is the single JSON document persisted to disk (§6
// "Persisted state layout").
type Document struct {
	Version   int                        `json:"version"`
	Timestamp int64                      `json:"timestamp"`
	Devices   map[string]DeviceSnapshot  `json:"devices"`

	// unknown preserves any keys this binary doesn't recognize so a
	// newer writer's fields survive a round trip through an older one.
	unknown map[string]interface{}
}

// DeviceSnapshot is the persisted subset of one device's runtime state.
type DeviceSnapshot struct {
	ActiveScene  string `json:"activeScene,omitempty"`
	PlayState    string `json:"playState,omitempty"`
	Brightness   int    `json:"brightness"`
	DisplayOn    bool   `json:"displayOn"`
	LoggingLevel string `json:"loggingLevel,omitempty"`
}

type persister struct {
	store    *Store
	path     string
	debounce time.Duration
	log      logrus.FieldLogger

	mu      sync.Mutex
	timer   *time.Timer
}

func newPersister(store *Store, path string, debounce time.Duration, log logrus.FieldLogger) *persister {
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	return &persister{store: store, path: path, debounce: debounce, log: log}
}

// scheduleWrite (re)arms the single debounce timer; repeated calls
// within the window collapse into one write, per §4.3.
func (p *persister) scheduleWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.flush(); err != nil {
			p.log.WithError(err).Warn("statestore: debounced persistence write failed")
		}
	})
}

// flush writes the current snapshot synchronously.
func (p *persister) flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	doc := p.store.BuildDocument()
	data, err := MarshalDocument(doc)
	if err != nil {
		return fmt.Errorf("statestore: marshal persisted document: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("statestore: rename temp file: %w", err)
	}
	return nil
}

// BuildDocument snapshots every device's persisted fields into a
// Document ready for serialization.
func (s *Store) BuildDocument() Document {
	s.devicesMu.Lock()
	hosts := make([]string, 0, len(s.devices))
	for h := range s.devices {
		hosts = append(hosts, h)
	}
	s.devicesMu.Unlock()

	doc := Document{
		Version:   documentVersion,
		Timestamp: time.Now().UnixMilli(),
		Devices:   map[string]DeviceSnapshot{},
	}
	for _, host := range hosts {
		snap := DeviceSnapshot{
			Brightness: 100,
		}
		if v, ok := s.Get(Path("device."+host+".activeScene"), nil).(string); ok {
			snap.ActiveScene = v
		}
		if v, ok := s.Get(Path("device."+host+".playState"), nil).(string); ok {
			snap.PlayState = v
		}
		if v, ok := s.Get(Path("device."+host+".brightness"), nil).(int); ok {
			snap.Brightness = v
		}
		if v, ok := s.Get(Path("device."+host+".displayOn"), nil).(bool); ok {
			snap.DisplayOn = v
		}
		if v, ok := s.Get(Path("device."+host+".loggingLevel"), nil).(string); ok {
			snap.LoggingLevel = v
		}
		doc.Devices[host] = snap
	}
	return doc
}

// Restore loads doc into the store's persisted device fields. Fields
// outside persistedFields are left at their defaults, per §3.
func (s *Store) Restore(doc Document) {
	for host, snap := range doc.Devices {
		_ = s.Set(Path("device."+host+".activeScene"), snap.ActiveScene)
		_ = s.Set(Path("device."+host+".playState"), snap.PlayState)
		_ = s.Set(Path("device."+host+".brightness"), snap.Brightness)
		_ = s.Set(Path("device."+host+".displayOn"), snap.DisplayOn)
		_ = s.Set(Path("device."+host+".loggingLevel"), snap.LoggingLevel)
	}
}

// MarshalDocument serializes doc, re-attaching any unknown top-level
// keys it was loaded with.
func MarshalDocument(doc Document) ([]byte, error) {
	out := map[string]interface{}{
		"version":   doc.Version,
		"timestamp": doc.Timestamp,
		"devices":   doc.Devices,
	}
	for k, v := range doc.unknown {
		if _, known := out[k]; !known {
			out[k] = v
		}
	}
	return yaml.Marshal(out)
}

// LoadDocument reads and parses a persisted document from path. A
// missing file returns an empty Document (current version, no
// devices) and logs nothing (first run). A corrupt file logs and returns defaults, per §4.3's
// "corrupt snapshot on restore" failure mode.
func LoadDocument(path string, log logrus.FieldLogger) Document {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("statestore: could not read persisted state, starting from defaults")
		}
		return Document{Version: documentVersion, Devices: map[string]DeviceSnapshot{}}
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		log.WithError(err).Warn("statestore: persisted state is corrupt, resetting to defaults")
		return Document{Version: documentVersion, Devices: map[string]DeviceSnapshot{}}
	}

	doc := Document{Version: documentVersion, Devices: map[string]DeviceSnapshot{}}
	if v, ok := raw["version"].(float64); ok {
		doc.Version = int(v)
	}
	if doc.Version != documentVersion {
		log.Warnf("statestore: persisted schema version %d != %d, migrating by reset-to-default", doc.Version, documentVersion)
		return Document{Version: documentVersion, Devices: map[string]DeviceSnapshot{}}
	}
	if v, ok := raw["timestamp"].(float64); ok {
		doc.Timestamp = int64(v)
	}
	if devicesRaw, ok := raw["devices"].(map[string]interface{}); ok {
		for host, v := range devicesRaw {
			fields, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			snap := DeviceSnapshot{Brightness: 100}
			if s, ok := fields["activeScene"].(string); ok {
				snap.ActiveScene = s
			}
			if s, ok := fields["playState"].(string); ok {
				snap.PlayState = s
			}
			if n, ok := fields["brightness"].(float64); ok {
				snap.Brightness = int(n)
			}
			if b, ok := fields["displayOn"].(bool); ok {
				snap.DisplayOn = b
			}
			if s, ok := fields["loggingLevel"].(string); ok {
				snap.LoggingLevel = s
			}
			doc.Devices[host] = snap
		}
	}

	doc.unknown = map[string]interface{}{}
	for k, v := range raw {
		switch k {
		case "version", "timestamp", "devices":
		default:
			doc.unknown[k] = v
		}
	}
	return doc
}
