/*
 * @Author: CALM.WU
 * @Date: 2023-05-18 10:20:22
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-19 15:40:51
 */

package eventcenter

import (
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"wxguard.calmwu/internal/wire"
)

// Subscriber registers interest in a set of event kinds.
type Subscriber interface {
	Subscribe(name string, focus EventMask) *EventInfoChannel
	Unsubscribe(name string)
}

// Publisher hands a decoded event to the center.
type Publisher interface {
	Publish(progName string, evt *wire.SecurityEvent) error
}

type EventCenterInterface interface {
	Subscriber
	Publisher
}

var (
	_ EventCenterInterface = &EventCenter{}

	initOnce    sync.Once
	DefInstance *EventCenter
)

type subscription struct {
	readChan *EventInfoChannel
	name     string
	focus    EventMask
}

// EventCenter fans published events out to subscribers. A slow subscriber
// loses events, it never slows the publisher.
type EventCenter struct {
	wg            conc.WaitGroup
	subscriptions map[string]*subscription
	publishChan   *EventInfoChannel
	stopOnce      sync.Once
	lock          sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64
}

const (
	defaultPublishChanSize = (1 << 10)
	defaultReadChanSize    = (1 << 9)
)

// New starts a center with its dispatch goroutine.
func New(publishChanSize int) *EventCenter {
	if publishChanSize <= 0 {
		publishChanSize = defaultPublishChanSize
	}
	ec := &EventCenter{
		subscriptions: make(map[string]*subscription),
		publishChan:   NewEventInfoChannel(publishChanSize),
	}
	ec.wg.Go(ec.dispatchEvent)
	return ec
}

func InitDefault() EventCenterInterface {
	initOnce.Do(func() {
		DefInstance = New(defaultPublishChanSize)
		glog.Info("EventCenter has been initialized.")
	})
	return DefInstance
}

func StopDefault() {
	if DefInstance != nil {
		DefInstance.Stop()
	}
}

// Stop refuses new events, lets dispatch deliver what was already published,
// then closes every subscriber channel.
func (ec *EventCenter) Stop() {
	ec.stopOnce.Do(func() {
		ec.publishChan.SafeClose()
		if recover := ec.wg.WaitAndRecover(); recover != nil {
			glog.Errorf("EventCenter recover: %s", recover.String())
		}

		ec.lock.Lock()
		for _, sub := range ec.subscriptions {
			sub.readChan.SafeClose()
		}
		ec.subscriptions = make(map[string]*subscription)
		ec.lock.Unlock()

		glog.Infof("EventCenter has stopped. published:%d dropped:%d", ec.published.Load(), ec.dropped.Load())
	})
}

// Subscribe returns the channel of name. Subscribing again only changes the
// focus.
func (ec *EventCenter) Subscribe(name string, focus EventMask) *EventInfoChannel {
	ec.lock.Lock()
	defer ec.lock.Unlock()

	if sub, ok := ec.subscriptions[name]; ok {
		glog.Infof("EventCenter subscriber:'%s' change focus events from %03b ===> %03b", name, sub.focus, focus)
		sub.focus = focus
		return sub.readChan
	}

	sub := &subscription{
		name:     name,
		readChan: NewEventInfoChannel(defaultReadChanSize),
		focus:    focus,
	}
	ec.subscriptions[name] = sub
	glog.Infof("EventCenter subscriber:'%s' subscribe focus events %03b", name, focus)
	return sub.readChan
}

func (ec *EventCenter) Unsubscribe(name string) {
	ec.lock.Lock()
	defer ec.lock.Unlock()

	if sub, ok := ec.subscriptions[name]; ok {
		sub.readChan.SafeClose()
		delete(ec.subscriptions, name)
		glog.Infof("EventCenter subscriber:'%s' unsubscribed", name)
	}
}

func (ec *EventCenter) Publish(progName string, evt *wire.SecurityEvent) error {
	_, _, err := ec.publishChan.SafeSend(&EventInfo{ProgName: progName, Event: evt}, false)
	if err != nil {
		ec.dropped.Inc()
		return errors.Wrapf(err, "EventCenter eBPFProgram:'%s' publish event:'%s' failed.", progName, evt.EventType.String())
	}
	ec.published.Inc()
	return nil
}

func (ec *EventCenter) dispatchEvent() {
	glog.Info("EventCenter start dispatch events now....")

	for evtInfo := range ec.publishChan.C {
		mask := EventMask(evtInfo.Event.EventType.Mask())
		ec.lock.RLock()
		for _, sub := range ec.subscriptions {
			if sub.focus&mask != 0 {
				if _, _, err := sub.readChan.SafeSend(evtInfo, false); err != nil {
					ec.dropped.Inc()
				}
			}
		}
		ec.lock.RUnlock()
	}
	glog.Warning("EventCenter dispatch events receive stop notify")
}

// Stats returns the published and dropped counts.
func (ec *EventCenter) Stats() (published, dropped uint64) {
	return ec.published.Load(), ec.dropped.Load()
}
