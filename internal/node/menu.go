package node

import (
	"fmt"

	"lorawan-node/internal/led"
	"lorawan-node/internal/mac"
	"lorawan-node/internal/task"
)

// State is the menu state.
type State uint8

const (
	InitMenu State = iota
	MainMenu
	AppMenu
	RestorePrompt
)

func (s State) String() string {
	switch s {
	case InitMenu:
		return "init_menu"
	case MainMenu:
		return "main_menu"
	case AppMenu:
		return "app_menu"
	case RestorePrompt:
		return "restore_prompt"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type menuAction uint8

const (
	actDemo menuAction = iota
	actCertToggle
	actBand
	actClearPDS
	actResetBoard
	actJoin
	actSend
	actStartPeriodic
	actStopPeriodic
	actSleep
	actMainMenu
)

type menuItem struct {
	label  string
	action menuAction
	band   mac.Band
}

func (n *Node) menu(s State) []menuItem {
	caps := n.cfg.Capabilities
	var items []menuItem
	switch s {
	case InitMenu:
		items = append(items, menuItem{label: "Demo application", action: actDemo})
		if caps.Compliance {
			items = append(items, menuItem{label: "Enable/disable Certification mode", action: actCertToggle})
		}
	case MainMenu:
		for _, b := range caps.Bands {
			items = append(items, menuItem{label: b.String(), action: actBand, band: b})
		}
		if caps.Persistence {
			items = append(items, menuItem{label: "Clear PDS", action: actClearPDS})
		}
		items = append(items, menuItem{label: "Reset Board", action: actResetBoard})
	case AppMenu:
		items = append(items,
			menuItem{label: "Send Join Request", action: actJoin},
			menuItem{label: "Send Data", action: actSend},
			menuItem{label: "Start Periodic Data", action: actStartPeriodic},
			menuItem{label: "Stop Periodic Data", action: actStopPeriodic},
		)
		if caps.PowerManagement {
			items = append(items, menuItem{label: "Sleep", action: actSleep})
		}
		items = append(items, menuItem{label: "Main Menu", action: actMainMenu})
	}
	return items
}

// handleInput takes the first meaningful byte after a prompt.
func (n *Node) handleInput(b byte) {
	if !n.receiving {
		return
	}
	switch b {
	case '\b', '\r', '\n', '\t':
		return
	}
	n.receiving = false
	n.choice = b - '0'
	n.schedule(task.Process, n.state)
}

func (n *Node) render() {
	n.ledSet(led.Amber, false)
	n.ledSet(led.Green, false)
	n.printf("\r\n\r\n")
	n.events.Emit(Event{Type: EventState, Data: StateData{State: n.state.String()}})

	switch n.state {
	case InitMenu, MainMenu, AppMenu:
		for i, it := range n.menu(n.state) {
			n.printf("%2d. %s\r\n", i+1, it.label)
		}
	case RestorePrompt:
		n.printf("ED will restore the previous configuration!\r\n")
		n.schedule(task.Process, RestorePrompt)
		return
	default:
		n.printf("Warn - Invalid appTaskState\r\n")
	}
	n.printf("\r\nEnter your choice:\r\n")
	n.receiving = true
}

func (n *Node) process() {
	n.printf("\r\n\r\n")
	switch n.state {
	case InitMenu, MainMenu, AppMenu:
		items := n.menu(n.state)
		i := int(n.choice) - 1
		if i < 0 || i >= len(items) {
			n.printf("Choice not valid\r\n")
			n.schedule(task.Render, n.state)
			return
		}
		n.logger.Debug("menu choice", "state", n.state, "item", items[i].label)
		n.selectItem(items[i])
	case RestorePrompt:
		n.processRestore()
	default:
		n.printf("Warn - Invalid appTaskState\r\n")
	}
}

func (n *Node) selectItem(it menuItem) {
	switch it.action {
	case actDemo:
		n.schedule(task.Render, MainMenu)
	case actCertToggle:
		n.toggleCertification()
		n.schedule(task.Render, InitMenu)
	case actBand:
		n.band = it.band
		n.setBandParams(it.band)
	case actClearPDS:
		if n.store != nil {
			if err := n.store.DeleteAll(); err != nil {
				n.logger.Error("pds delete failed", "err", err)
			}
		}
		n.printf("PDS is now cleared, device at factory new state\r\n")
		n.schedule(task.Render, MainMenu)
	case actResetBoard:
		n.requestReset()
	case actJoin:
		typ := n.cfg.Activation
		if n.certEnabled {
			typ = n.cfg.Cert.Activation
		}
		n.sendJoinReq(typ)
	case actSend:
		n.send()
	case actStartPeriodic:
		n.startPeriodic()
	case actStopPeriodic:
		n.stopPeriodic()
	case actSleep:
		n.sleep()
	case actMainMenu:
		n.schedule(task.Render, MainMenu)
	}
}
