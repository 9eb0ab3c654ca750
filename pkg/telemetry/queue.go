package telemetry

import (
	"net/url"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// Handler is the callback for received messages, invoked with the topic
// relative to the queue prefix.
type Handler func(topic string, payload []byte)

// Queue wraps the MQTT client with topic prefixing and resubscribe on
// reconnect.
type Queue struct {
	Client      paho.Client
	TopicPrefix string

	subsLock sync.RWMutex
	subs     map[*Subscription]struct{}
}

// Subscription is one subscribed topic pattern.
type Subscription struct {
	Token paho.Token

	queue   *Queue
	pattern string
	handler Handler
}

// ClientOptionsFromURL builds client options from an mqtt:// URL whose
// path becomes the topic prefix. Credentials come from the user info,
// the client id from the client-id query parameter.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	scheme := u.Scheme
	if scheme == "" || scheme == "mqtt" {
		scheme = "tcp"
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}
	return opts, prefix, nil
}

// NewQueue creates a Queue over prepared client options.
func NewQueue(options *paho.ClientOptions, topicPrefix string) *Queue {
	q := &Queue{TopicPrefix: topicPrefix, subs: make(map[*Subscription]struct{})}
	options.SetOnConnectHandler(q.onConnect)
	options.SetConnectionLostHandler(q.onConnectionLost)
	q.Client = paho.NewClient(options)
	return q
}

// NewQueueFromURL creates a Queue from a broker URL.
func NewQueueFromURL(brokerURL string) (*Queue, error) {
	opts, prefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	return NewQueue(opts, prefix), nil
}

// Connect connects to the broker.
func (q *Queue) Connect() paho.Token {
	return q.Client.Connect()
}

// Close implements io.Closer.
func (q *Queue) Close() error {
	q.Client.Disconnect(0)
	return nil
}

// Pub publishes to a topic under the queue prefix.
func (q *Queue) Pub(topic string, payload []byte) paho.Token {
	return q.PubWith(topic, payload, 0, false)
}

// PubWith publishes with explicit QoS and retain settings.
func (q *Queue) PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token {
	return q.Client.Publish(q.TopicPrefix+topic, qos, retain, payload)
}

// Sub subscribes to a topic pattern under the queue prefix.
func (q *Queue) Sub(pattern string, handler Handler) *Subscription {
	sub := &Subscription{queue: q, pattern: pattern, handler: handler}
	q.subsLock.Lock()
	q.subs[sub] = struct{}{}
	q.subsLock.Unlock()
	glog.V(2).Infof("SUB %q", q.TopicPrefix+pattern)
	sub.Token = q.Client.Subscribe(q.TopicPrefix+pattern, 0, q.dispatch)
	return sub
}

// Close unsubscribes, dropping the broker subscription once the last
// handler for the pattern is gone.
func (s *Subscription) Close() error {
	q := s.queue
	last := true
	q.subsLock.Lock()
	delete(q.subs, s)
	for other := range q.subs {
		if other.pattern == s.pattern {
			last = false
			break
		}
	}
	q.subsLock.Unlock()
	if !last {
		return nil
	}
	glog.V(2).Infof("UNSUB %q", q.TopicPrefix+s.pattern)
	token := q.Client.Unsubscribe(q.TopicPrefix + s.pattern)
	token.Wait()
	return token.Error()
}

func (q *Queue) dispatch(_ paho.Client, msg paho.Message) {
	topic := msg.Topic()
	if !strings.HasPrefix(topic, q.TopicPrefix) {
		return
	}
	topic = topic[len(q.TopicPrefix):]
	glog.V(2).Infof("RCV %q", topic)
	var handlers []Handler
	q.subsLock.RLock()
	for sub := range q.subs {
		if MatchTopic(topic, sub.pattern) {
			handlers = append(handlers, sub.handler)
		}
	}
	q.subsLock.RUnlock()
	payload := msg.Payload()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (q *Queue) onConnect(paho.Client) {
	glog.Info("broker connected")
	q.resubscribe()
}

func (q *Queue) onConnectionLost(_ paho.Client, err error) {
	glog.Warningf("broker connection lost: %v", err)
}

func (q *Queue) resubscribe() {
	filters := make(map[string]byte)
	q.subsLock.RLock()
	for sub := range q.subs {
		filters[q.TopicPrefix+sub.pattern] = 0
	}
	q.subsLock.RUnlock()
	if len(filters) == 0 {
		return
	}
	if glog.V(2) {
		for key := range filters {
			glog.Infof("SUB %q", key)
		}
	}
	q.Client.SubscribeMultiple(filters, q.dispatch)
}

// MatchTopic reports whether topic matches an MQTT pattern with + and #
// wildcards.
func MatchTopic(topic, pattern string) bool {
	pt, pp := strings.Split(topic, "/"), strings.Split(pattern, "/")
	if len(pp) > len(pt) {
		return false
	}
	for i, seg := range pp {
		switch {
		case seg == "#" && i+1 == len(pp):
			return true
		case seg == "+":
		case seg != pt[i]:
			return false
		}
	}
	return len(pp) == len(pt)
}
