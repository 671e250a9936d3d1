package registry

import (
	"fmt"
	"path/filepath"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type nodeHealth struct {
	reachable bool
	lastSeen  *time.Time
}

// Registry holds the set of managed nodes. The node list is read-mostly:
// it is loaded from the nodes file at startup and replaced wholesale when
// the file changes. Health is tracked separately so a reload never resets
// reachability.
type Registry struct {
	mu     sync.RWMutex
	path   string
	nodes  map[string]model.Node
	health map[string]*nodeHealth

	fw     *fsnotify.Watcher
	doneCh chan struct{}
}

func Load(path string) (*Registry, error) {
	r := &Registry{
		path:   path,
		nodes:  make(map[string]model.Node),
		health: make(map[string]*nodeHealth),
		doneCh: make(chan struct{}),
	}

	if err := r.reload(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) reload() error {
	v := viper.New()
	v.SetConfigFile(r.path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read nodes file: %w", err)
	}

	var list []model.Node
	if err := v.UnmarshalKey("nodes", &list); err != nil {
		return fmt.Errorf("failed to unmarshal nodes file: %w", err)
	}

	nodes := make(map[string]model.Node, len(list))
	for _, node := range list {
		if node.ID == "" || node.Addr == "" {
			return fmt.Errorf("node entry missing id or addr: %+v", node)
		}
		nodes[node.ID] = node
	}

	r.mu.Lock()
	r.nodes = nodes
	for id := range nodes {
		if _, ok := r.health[id]; !ok {
			r.health[id] = &nodeHealth{}
		}
	}
	r.mu.Unlock()

	logger.Log.Info("node registry loaded",
		zap.String("path", r.path),
		zap.Int("nodes", len(nodes)))

	return nil
}

func (r *Registry) Get(id string) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	return node, ok
}

func (r *Registry) All() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]model.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})

	return nodes
}

func (r *Registry) MarkReachable(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.health[id]
	if !exists {
		h = &nodeHealth{}
		r.health[id] = h
	}

	h.reachable = ok
	if ok {
		now := time.Now()
		h.lastSeen = &now
	}
}

func (r *Registry) Status() []model.NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]model.NodeStatus, 0, len(r.nodes))
	for _, node := range r.nodes {
		status := model.NodeStatus{ID: node.ID, Name: node.Name}
		if h, ok := r.health[node.ID]; ok {
			status.Reachable = h.reachable
			status.LastSeen = h.lastSeen
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})

	return statuses
}

// Watch reloads the registry whenever the nodes file is rewritten.
// Removing a node only blocks new admissions; jobs already in flight on it
// keep their monitors.
func (r *Registry) Watch() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	r.fw = fw

	// Watch the directory: editors and atomic writers replace the file,
	// which would drop a watch on the file itself.
	if err := fw.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch nodes file: %w", err)
	}

	go r.run()

	logger.Log.Info("watching nodes file",
		zap.String("path", r.path))
	return nil
}

func (r *Registry) run() {
	for {
		select {
		case <-r.doneCh:
			logger.Log.Info("registry watcher stopping")
			return

		case fsEvent, ok := <-r.fw.Events:
			if !ok {
				return
			}

			if filepath.Clean(fsEvent.Name) != filepath.Clean(r.path) {
				continue
			}
			if !fsEvent.Op.Has(fsnotify.Write) && !fsEvent.Op.Has(fsnotify.Create) {
				continue
			}

			if err := r.reload(); err != nil {
				logger.Log.Warn("failed to reload nodes file",
					zap.Error(err))
			}

		case err, ok := <-r.fw.Errors:
			if !ok {
				return
			}

			logger.Log.Error("registry watcher error",
				zap.Error(err))
		}
	}
}

func (r *Registry) Stop() {
	close(r.doneCh)
	if r.fw != nil {
		_ = r.fw.Close()
	}
}
