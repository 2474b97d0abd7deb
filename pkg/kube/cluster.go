// Package kube turns the ingresses and ingress controller pods of a Kubernetes
// cluster into routing state.
package kube

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/config"
	"github.com/vsk8s/proxystate/pkg/state"
	v1coreapi "k8s.io/api/core/v1"
	v1beta1extensionsapi "k8s.io/api/extensions/v1beta1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

// Label identifying the ingress controller pods
const appNameLabel = "app.kubernetes.io/name"

// DefaultRetryInterval is the pause between connection attempts
const DefaultRetryInterval = 60 * time.Second

// Cluster handles all single-cluster related tasks
type Cluster struct {
	// Config stanza this object takes care of
	config config.Cluster
	// Channel for ingress change events
	ingressEvents chan state.IngressChange
	// Channel for backend change events
	backendEvents chan state.BackendChange
	// Channel used to indicate connection issues and clear all state
	clearChannel chan struct{}
	// Closed to stop everything
	stopChannel chan struct{}
	stopOnce    sync.Once
	// Closed once the work loop and the aggregator exited
	doneGroup sync.WaitGroup
	// Channel used for cluster state updates, shared externally
	clusterStateChannel chan<- state.ClusterState
	// Closed once the first informer sync completed
	readyChannel chan struct{}
	readyOnce    sync.Once
	// Ingresses currently known, only touched by the aggregator
	ingresses map[string]state.Ingress
	// Ingress controller pods currently known, only touched by the aggregator
	backends map[string]state.Backend
	// Last state sent out
	published *state.ClusterState
	// Clientset used for the informer API, created on connect unless preset
	client kubernetes.Interface
	// Pause between connection attempts
	retryInterval time.Duration
}

// ClusterFromConfig creates a new cluster handler for the provided config entry
func ClusterFromConfig(config config.Cluster, clusterStateChannel chan<- state.ClusterState) *Cluster {
	return &Cluster{
		config:              config,
		ingressEvents:       make(chan state.IngressChange, 16),
		backendEvents:       make(chan state.BackendChange, 16),
		clearChannel:        make(chan struct{}, 1),
		stopChannel:         make(chan struct{}),
		clusterStateChannel: clusterStateChannel,
		readyChannel:        make(chan struct{}),
		ingresses:           map[string]state.Ingress{},
		backends:            map[string]state.Backend{},
		retryInterval:       DefaultRetryInterval,
	}
}

// Try to connect to the cluster
func (c *Cluster) connect() (kubernetes.Interface, error) {
	kubeCfg, err := clientcmd.LoadFromFile(c.config.Kubeconfig)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't load kubeconfig")
	}
	clientCfg, err := clientcmd.NewDefaultClientConfig(*kubeCfg, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "invalid kubeconfig")
	}
	return kubernetes.NewForConfig(clientCfg)
}

// Aggregate all changes into a new cluster view
func (c *Cluster) aggregator() {
	defer c.doneGroup.Done()
	logger := log.WithField("cluster", c.config.Name)
	for {
		select {
		case change := <-c.ingressEvents:
			name := change.Ingress.Name
			known, ok := c.ingresses[name]
			if change.Created {
				if ok && state.IsIngressEquivalent(&known, &change.Ingress) {
					continue
				}
				c.ingresses[name] = change.Ingress
				logger.WithField("ingress", name).Info("Detected new ingress.")
			} else {
				if !ok {
					continue
				}
				delete(c.ingresses, name)
				logger.WithField("ingress", name).Info("Removed old ingress.")
			}
		case change := <-c.backendEvents:
			name := change.Backend.Name
			known, ok := c.backends[name]
			if change.Created {
				if ok && state.IsBackendEquivalent(&known, &change.Backend) {
					continue
				}
				c.backends[name] = change.Backend
				logger.WithFields(log.Fields{
					"backend": name,
					"ip":      change.Backend.Instance.IPAddress,
				}).Info("Detected new backend pod.")
			} else {
				if !ok {
					continue
				}
				delete(c.backends, name)
				logger.WithFields(log.Fields{
					"backend": name,
					"ip":      known.Instance.IPAddress,
				}).Info("Removed old backend pod.")
			}
		case <-c.clearChannel:
			logger.Debug("Clearing full cluster state...")
			c.ingresses = map[string]state.Ingress{}
			c.backends = map[string]state.Backend{}
		case <-c.stopChannel:
			return
		}
		c.publish()
	}
}

// Send the current view unless it equals the last one sent
func (c *Cluster) publish() {
	current := c.view()
	if c.published != nil && state.IsClusterStateEquivalent(c.published, &current) {
		return
	}
	select {
	case c.clusterStateChannel <- current:
		c.published = &current
	case <-c.stopChannel:
	}
}

// Build the routing state from the known ingresses and pods
func (c *Cluster) view() state.ClusterState {
	result := state.ClusterState{
		Name:     c.config.Name,
		Listener: c.config.Listener,
	}
	ingressNames := make([]string, 0, len(c.ingresses))
	for name := range c.ingresses {
		ingressNames = append(ingressNames, name)
	}
	sort.Strings(ingressNames)
	for _, name := range ingressNames {
		result.Fronts = append(result.Fronts, c.ingresses[name].Fronts...)
	}
	backendNames := make([]string, 0, len(c.backends))
	for name := range c.backends {
		backendNames = append(backendNames, name)
	}
	sort.Strings(backendNames)
	for _, name := range backendNames {
		result.Instances = append(result.Instances, c.backends[name].Instance)
	}
	return result
}

// Informers hand out tombstones for deletions they missed
func unwrapTombstone(obj interface{}) interface{} {
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		return tombstone.Obj
	}
	return obj
}

// Take care of events from the pod watcher on ingress pods
func (c *Cluster) handlePodEvent(event interface{}, action watch.EventType) {
	eventObj, ok := unwrapTombstone(event).(*v1coreapi.Pod)
	if !ok {
		log.WithFields(log.Fields{
			"cluster": c.config.Name,
		}).Error("Got event in pod handler which does not contain a pod?")
		return
	}
	if eventObj.Namespace != c.config.IngressNamespace {
		return
	}
	if eventObj.Labels[appNameLabel] != c.config.IngressAppName {
		return
	}
	name := eventObj.Namespace + "-" + eventObj.Name
	change := state.BackendChange{Backend: state.Backend{Name: name}}

	ip := net.ParseIP(eventObj.Status.PodIP)
	if action != watch.Deleted && eventObj.DeletionTimestamp == nil && ip != nil {
		change.Created = true
		change.Backend.Instance = command.Instance{
			AppID:     c.config.Name,
			IPAddress: ip.String(),
			Port:      c.config.IngressPort,
		}
	} else if action != watch.Deleted && ip == nil {
		log.WithFields(log.Fields{
			"cluster": c.config.Name,
			"pod":     eventObj.Name,
			"ip":      eventObj.Status.PodIP,
		}).Debug("Pod has no usable ip yet")
	}
	select {
	case c.backendEvents <- change:
	case <-c.stopChannel:
	}
}

// Fronts published for an ingress: every rule host with every path, '/' when
// the rule lists none
func ingressFronts(app string, ingress *v1beta1extensionsapi.Ingress) []command.HTTPFront {
	var fronts []command.HTTPFront
	for _, rule := range ingress.Spec.Rules {
		if rule.Host == "" {
			continue
		}
		var paths []string
		if rule.HTTP != nil {
			for _, path := range rule.HTTP.Paths {
				paths = append(paths, path.Path)
			}
		}
		if len(paths) == 0 {
			paths = []string{"/"}
		}
		for _, path := range paths {
			if path == "" {
				path = "/"
			}
			fronts = append(fronts, command.HTTPFront{
				AppID:      app,
				Hostname:   rule.Host,
				PathPrefix: path,
			})
		}
	}
	return fronts
}

// Take care of ingress events from the ingress watch
func (c *Cluster) handleIngressEvent(event interface{}, action watch.EventType) {
	eventObj, ok := unwrapTombstone(event).(*v1beta1extensionsapi.Ingress)
	if !ok {
		log.WithFields(log.Fields{
			"cluster": c.config.Name,
		}).Error("Got event in ingress handler which does not contain an ingress?")
		return
	}
	change := state.IngressChange{
		Ingress: state.Ingress{Name: eventObj.Namespace + "-" + eventObj.Name},
	}
	if action != watch.Deleted {
		change.Ingress.Fronts = ingressFronts(c.config.Name, eventObj)
		change.Created = len(change.Ingress.Fronts) > 0
	}
	select {
	case c.ingressEvents <- change:
	case <-c.stopChannel:
	}
}

// Setup informers and block until stopped. Returns an error if the caches
// never synced.
func (c *Cluster) watch(client kubernetes.Interface) error {
	log.WithField("cluster", c.config.Name).Debug("Adding watches")

	factory := informers.NewSharedInformerFactory(client, 0)

	podInformer := factory.Core().V1().Pods().Informer()
	podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { c.handlePodEvent(obj, watch.Added) },
		DeleteFunc: func(obj interface{}) { c.handlePodEvent(obj, watch.Deleted) },
		UpdateFunc: func(old interface{}, new interface{}) { c.handlePodEvent(new, watch.Modified) },
	})

	ingressInformer := factory.Extensions().V1beta1().Ingresses().Informer()
	ingressInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { c.handleIngressEvent(obj, watch.Added) },
		DeleteFunc: func(obj interface{}) { c.handleIngressEvent(obj, watch.Deleted) },
		UpdateFunc: func(old interface{}, new interface{}) { c.handleIngressEvent(new, watch.Modified) },
	})

	factory.Start(c.stopChannel)
	if !cache.WaitForCacheSync(c.stopChannel, podInformer.HasSynced, ingressInformer.HasSynced) {
		select {
		case <-c.stopChannel:
			return nil
		default:
		}
		return errors.New("informer caches never synced")
	}
	c.readyOnce.Do(func() { close(c.readyChannel) })
	log.WithField("cluster", c.config.Name).Debug("Watches synced")

	<-c.stopChannel
	log.WithField("cluster", c.config.Name).Debug("Event handlers stopped")
	return nil
}

// Main work loop responsible for reconnecting
func (c *Cluster) workLoop() {
	defer c.doneGroup.Done()
	logger := log.WithField("cluster", c.config.Name)
	logger.Debug("Starting work loop")
	for {
		client := c.client
		var err error
		if client == nil {
			client, err = c.connect()
		}
		if err == nil {
			// Blocks until stopped
			err = c.watch(client)
		}
		if err == nil {
			break
		}
		logger.WithError(err).Info("Couldn't connect to cluster")
		select {
		case c.clearChannel <- struct{}{}:
		default:
		}
		select {
		case <-time.After(c.retryInterval):
		case <-c.stopChannel:
			logger.Debug("Work loop done")
			return
		}
	}
	logger.Debug("Work loop done")
}

// Start watching for cluster events
func (c *Cluster) Start() {
	c.doneGroup.Add(2)
	go c.aggregator()
	go c.workLoop()
}

// Ready is closed once the cluster has been listed completely for the first time
func (c *Cluster) Ready() <-chan struct{} {
	return c.readyChannel
}

// Stop watching for cluster events and wait for all goroutines to exit
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChannel)
	})
	c.doneGroup.Wait()
}
