package stanbus

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DurableConnection keeps a STAN connection alive across connection loss, re-establishing
// every active subscription after reconnecting.
type DurableConnection struct {
	mutex sync.RWMutex

	options       []stan.Option
	clientID      string
	stanClusterID string

	subscriptions map[*DurableSubscription]struct{}

	currentConn stan.Conn
	nc          *nats.Conn
	closed      bool
}

// DurableSubscription survives reconnects until it is released.
type DurableSubscription struct {
	conn      *DurableConnection
	subscribe func(conn stan.Conn) (stan.Subscription, error)
	current   stan.Subscription
	// Close rather than unsubscribe, so a durable subscription keeps its position.
	keepDurable bool
}

func DurableConnect(stanClusterID, clientID, urls string, options ...stan.Option) (*DurableConnection, error) {
	// as underlying NATS connection reconnects automatically, there is no need to renew it
	// keeping one NATS connection around will make message ack work better during STAN connection lost event
	nc, err := nats.Connect(urls,
		nats.Name(clientID),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	conn := &DurableConnection{
		stanClusterID: stanClusterID,
		clientID:      clientID,
		nc:            nc,
		subscriptions: make(map[*DurableSubscription]struct{}),
	}
	conn.options = append(options, stan.SetConnectionLostHandler(conn.onConnectionLost), stan.NatsConn(nc))
	if err := conn.reconnect(); err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

func (c *DurableConnection) PublishAsync(subject string, data []byte, ah stan.AckHandler) (string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.currentConn == nil {
		return "", errors.New("No STAN connection")
	}
	return c.currentConn.PublishAsync(subject, data, ah)
}

func (c *DurableConnection) Publish(subject string, data []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.currentConn == nil {
		return errors.New("No STAN connection")
	}
	return c.currentConn.Publish(subject, data)
}

func (c *DurableConnection) QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) (*DurableSubscription, error) {
	return c.add(&DurableSubscription{
		subscribe: func(conn stan.Conn) (stan.Subscription, error) {
			return conn.QueueSubscribe(subject, qgroup, cb, opts...)
		},
	})
}

func (c *DurableConnection) Subscribe(subject string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) (*DurableSubscription, error) {
	return c.add(&DurableSubscription{
		subscribe: func(conn stan.Conn) (stan.Subscription, error) {
			return conn.Subscribe(subject, cb, opts...)
		},
	})
}

func (c *DurableConnection) add(s *DurableSubscription) (*DurableSubscription, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.currentConn == nil {
		return nil, errors.New("No STAN connection")
	}
	s.conn = c
	current, err := s.subscribe(c.currentConn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.current = current
	c.subscriptions[s] = struct{}{}
	return s, nil
}

// Release stops the subscription and forgets it, so it isn't restored on reconnect.
func (s *DurableSubscription) Release() error {
	c := s.conn
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.subscriptions[s]; !ok {
		return nil
	}
	delete(c.subscriptions, s)
	if c.closed || s.current == nil {
		return nil
	}
	if s.keepDurable {
		return errors.WithStack(s.current.Close())
	}
	return errors.WithStack(s.current.Unsubscribe())
}

func (c *DurableConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	var err error
	if c.currentConn != nil {
		err = c.currentConn.Close()
	}
	c.nc.Close()
	return err
}

func (c *DurableConnection) Check() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.currentConn == nil {
		return errors.New("No NATS connection")
	}
	natsConn := c.currentConn.NatsConn()
	if natsConn == nil {
		return errors.New("No NATS connection")
	}
	if !natsConn.IsConnected() {
		return errors.New("Not connected to NATS")
	}
	return nil
}

func (c *DurableConnection) onConnectionLost(_ stan.Conn, e error) {
	log.WithError(e).Warn("STAN connection lost")
	// this callback is started in new go routine, it can take all the time needed
	for {
		err := c.reconnect()
		if err == nil {
			return
		}
		log.Errorf("Error while reconnecting to STAN: %v", err)
		time.Sleep(1 * time.Second)
	}
}

func (c *DurableConnection) reconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}

	// close any previous connection, just in case it was still open
	if c.currentConn != nil {
		c.closeConnection()
	}

	newConnection, err := stan.Connect(c.stanClusterID, c.clientID, c.options...)
	c.currentConn = newConnection
	if err != nil {
		log.Errorf("Error while connecting to STAN: %v", err)
		return errors.WithStack(err)
	}

	// resubscribe
	for s := range c.subscriptions {
		current, err := s.subscribe(c.currentConn)
		if err != nil {
			// on any subscription error consider connection unsuccessful
			log.Errorf("Error while resubscribing to STAN: %v", err)
			c.closeConnection()
			return errors.WithStack(err)
		}
		s.current = current
	}

	return nil
}

func (c *DurableConnection) closeConnection() {
	if err := c.currentConn.Close(); err != nil {
		log.Errorf("Error while closing STAN connection: %v", err)
	}
}
