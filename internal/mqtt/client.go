package mqtt

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// 断线队列上限，满时丢最旧并计数
	DefaultQueueLimit = 10000

	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
)

// Handler 订阅回调。panic 被捕获记录，不中断订阅。
type Handler func(topic string, payload []byte)

type subscription struct {
	filter  string
	qos     byte
	handler Handler
}

type queuedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Client MQTT 客户端包装。publish/subscribe 线程安全；断线时
// 发布进入有界 FIFO，重连后按序补发（保留 retained 标志）。
type Client struct {
	broker     string
	port       int
	clientID   string
	queueLimit int

	mu            sync.Mutex
	client        paho.Client
	subs          []subscription
	queue         []queuedMessage
	statusTopics  []string // pdu/{id}/bridge/status，连接后发 online
	willTopic     string
	connected     bool
	started       bool
	dropped       atomic.Int64
	reconnects    atomic.Int64
	lastConnect   atomic.Int64
	lastLost      atomic.Int64
	onConnectHook func()
}

// NewClient 创建客户端
func NewClient(broker string, port int, clientID string) *Client {
	if clientID == "" {
		clientID = fmt.Sprintf("pdu-bridge-%d", time.Now().UnixNano())
	}
	return &Client{
		broker:     broker,
		port:       port,
		clientID:   clientID,
		queueLimit: DefaultQueueLimit,
	}
}

// RegisterStatusTopic 注册设备桥接状态主题。第一个注册的主题
// 作为遗嘱主题（MQTT 每连接只允许一条遗嘱；单设备部署时遗嘱
// 恰好落在该设备的 bridge/status 上）。所有注册主题在连上后
// 发布保留的 online 标记。
func (c *Client) RegisterStatusTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.statusTopics {
		if t == topic {
			return
		}
	}
	c.statusTopics = append(c.statusTopics, topic)
	if c.willTopic == "" {
		c.willTopic = topic
	}
}

// UnregisterStatusTopic 注销状态主题（设备移除时）
func (c *Client) UnregisterStatusTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.statusTopics {
		if t == topic {
			c.statusTopics = append(c.statusTopics[:i], c.statusTopics[i+1:]...)
			break
		}
	}
}

// SetOnConnect 注册重连钩子（manager 用来补发现势数据）
func (c *Client) SetOnConnect(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectHook = hook
}

// Connect 建立连接。失败不报错 — paho 自动重连，期间发布进队列。
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("mqtt client already started")
	}
	c.started = true

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.broker, c.port)).
		SetClientID(c.clientID).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleConnectionLost)
	if c.willTopic != "" {
		opts.SetWill(c.willTopic, "offline", 1, true)
	}

	c.client = paho.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	log.Printf("MQTT: connecting to %s:%d", c.broker, c.port)
	token := client.Connect()
	// 不阻塞启动: paho 在后台持续重连，期间发布进离线队列
	go func() {
		token.WaitTimeout(connectTimeout)
		if err := token.Error(); err != nil {
			log.Printf("MQTT: initial connect failed (retrying in background): %v", err)
		}
	}()
	return nil
}

func (c *Client) handleConnect(client paho.Client) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	statusTopics := make([]string, len(c.statusTopics))
	copy(statusTopics, c.statusTopics)
	hook := c.onConnectHook
	c.mu.Unlock()

	if wasConnected {
		c.reconnects.Add(1)
	}
	c.lastConnect.Store(time.Now().Unix())
	log.Println("MQTT: connected")

	// 重订阅（CleanSession 下 broker 不保留）
	for _, sub := range subs {
		c.subscribeRaw(client, sub)
	}

	// 在线标记
	for _, topic := range statusTopics {
		client.Publish(topic, 1, true, "online")
	}

	c.drainQueue(client)

	if hook != nil {
		go hook()
	}
}

func (c *Client) handleConnectionLost(client paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.lastLost.Store(time.Now().Unix())
	log.Printf("MQTT: connection lost: %v", err)
}

// drainQueue 按入队顺序补发离线期间的发布
func (c *Client) drainQueue(client paho.Client) {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	log.Printf("MQTT: draining %d queued publishes", len(queued))
	for _, msg := range queued {
		token := client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
		token.WaitTimeout(publishTimeout)
	}
}

// Publish 发布。断线时入队（有界 FIFO，满丢最旧）。
func (c *Client) Publish(topic string, payload []byte, retained bool, qos byte) {
	c.mu.Lock()
	client := c.client
	connected := c.connected && client != nil && client.IsConnected()
	if !connected {
		c.enqueueLocked(queuedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		c.mu.Lock()
		c.enqueueLocked(queuedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
		c.mu.Unlock()
	}
}

// PublishString 字符串负载的便捷发布
func (c *Client) PublishString(topic, payload string, retained bool, qos byte) {
	c.Publish(topic, []byte(payload), retained, qos)
}

func (c *Client) enqueueLocked(msg queuedMessage) {
	if len(c.queue) >= c.queueLimit {
		// 丢最旧
		c.queue = c.queue[1:]
		c.dropped.Add(1)
	}
	c.queue = append(c.queue, msg)
}

// Subscribe 订阅过滤器。handler 收到精确主题与负载。
func (c *Client) Subscribe(filter string, qos byte, handler Handler) {
	sub := subscription{filter: filter, qos: qos, handler: handler}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if connected && client != nil {
		c.subscribeRaw(client, sub)
	}
}

// Unsubscribe 取消过滤器的订阅
func (c *Client) Unsubscribe(filter string) {
	c.mu.Lock()
	for i, sub := range c.subs {
		if sub.filter == filter {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if connected && client != nil {
		client.Unsubscribe(filter)
	}
}

func (c *Client) subscribeRaw(client paho.Client, sub subscription) {
	handler := sub.handler
	client.Subscribe(sub.filter, sub.qos, func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("MQTT: handler panic on %s: %v", msg.Topic(), r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	})
}

// Connected 当前连接状态
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Status 连接健康信息
func (c *Client) Status() map[string]interface{} {
	c.mu.Lock()
	queueLen := len(c.queue)
	c.mu.Unlock()
	return map[string]interface{}{
		"connected":       c.Connected(),
		"broker":          c.broker,
		"port":            c.port,
		"reconnect_count": c.reconnects.Load(),
		"queue_length":    queueLen,
		"dropped":         c.dropped.Load(),
		"last_connect":    c.lastConnect.Load(),
		"last_disconnect": c.lastLost.Load(),
	}
}

// Dropped 因队列溢出丢弃的发布数
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// QueueLen 当前离线队列长度
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Disconnect 发布各设备 offline 标记后断开
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	statusTopics := make([]string, len(c.statusTopics))
	copy(statusTopics, c.statusTopics)
	c.connected = false
	c.started = false
	c.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		for _, topic := range statusTopics {
			token := client.Publish(topic, 1, true, "offline")
			token.WaitTimeout(publishTimeout)
		}
	}
	client.Disconnect(250)
	log.Println("MQTT: disconnected")
}
