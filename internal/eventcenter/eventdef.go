/*
 * @Author: CALM.WU
 * @Date: 2023-05-18 10:20:51
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-19 15:02:18
 */

package eventcenter

import (
	"wxguard.calmwu/internal/utils"
	"wxguard.calmwu/internal/wire"
)

// EventMask selects event kinds, bit k is wire.EventKind(k).
type EventMask uint64

const EventMaskAll = EventMask(1<<wire.NumEventKinds - 1)

// MaskOf builds the subscription mask of kinds.
func MaskOf(kinds ...wire.EventKind) EventMask {
	var m EventMask
	for _, k := range kinds {
		m |= EventMask(k.Mask())
	}
	return m
}

// EventInfo is what subscribers receive. Event is shared between subscribers
// and must be treated as read only.
type EventInfo struct {
	ProgName string
	Event    *wire.SecurityEvent
}

type EventInfoChannel = utils.Channel[*EventInfo]

func NewEventInfoChannel(size int) *EventInfoChannel {
	return utils.NewChannel[*EventInfo](size)
}
