package node

import (
	"time"

	"lorawan-node/internal/task"
)

// sleep puts the device into low power once the stack agrees. The
// console and the radio are released for the duration.
func (n *Node) sleep() {
	if n.power == nil || !n.mac.ReadyToSleep(n.cfg.SleepResetsDevice) {
		n.schedule(task.Render, AppMenu)
		n.printf("Device cannot sleep now\r\n")
		return
	}

	n.releaseResources()
	err := n.power.Sleep(n.cfg.SleepDuration, func(slept time.Duration) {
		n.post(func() { n.onWake(slept) })
	})
	if err != nil {
		n.initResources()
		n.logger.Warn("sleep denied", "err", err)
		n.schedule(task.Render, AppMenu)
		n.printf("Device cannot sleep now\r\n")
		return
	}
	n.logger.Debug("sleeping", "duration", n.cfg.SleepDuration)
}

func (n *Node) onWake(slept time.Duration) {
	n.initResources()
	n.printf("Sleep done: %d ms\r\n", slept.Milliseconds())
	n.events.Emit(Event{Type: EventSleep, Data: SleepData{SleptMs: slept.Milliseconds()}})
	n.schedule(task.Render, AppMenu)
}

func (n *Node) releaseResources() {
	n.con.Deinit()
	if n.radio != nil {
		if err := n.radio.Deinit(); err != nil {
			n.logger.Warn("radio deinit", "err", err)
		}
	}
}

func (n *Node) initResources() {
	if n.radio != nil {
		if err := n.radio.Init(); err != nil {
			n.logger.Error("radio init", "err", err)
		}
	}
	n.con.Init()
}
