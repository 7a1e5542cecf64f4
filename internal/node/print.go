package node

import (
	"fmt"
	"strings"

	"lorawan-node/internal/mac"
)

func (n *Node) printf(format string, args ...any) {
	fmt.Fprintf(n.con, format, args...)
}

// printArray prints b as uppercase hex followed by a line break.
func (n *Node) printArray(b []byte) {
	var sb strings.Builder
	for _, v := range b {
		fmt.Fprintf(&sb, "%02X", v)
	}
	sb.WriteString("\r\n")
	n.printf("%s", sb.String())
}

// printStatus surfaces a collaborator result to the operator.
func (n *Node) printStatus(err error) {
	n.printf("Status : LORAWAN_%s\r\n", mac.StatusOf(err).String())
}

func (n *Node) printAppConfig() {
	n.printf("\r\n====== Application Configuration =======\r\n")
	class, _ := mac.Get[mac.Class](n.mac, mac.EDClass)
	n.printf("DevType : Class %s\r\n", class)
	n.printf("ActivationType : %s\r\n", n.cfg.Activation)
	if n.cfg.Confirmed {
		n.printf("Transmission Type : CONFIRMED\r\n")
	} else {
		n.printf("Transmission Type : UNCONFIRMED\r\n")
	}
	n.printf("FPort : %d\r\n", n.cfg.Port)
	n.printf("\r\n========================================\r\n")
}

func (n *Node) printECCInfo() {
	n.printf("\r\n--------------------------------\r\n")
	dev := n.keys.DevEUI()
	n.printf("DEV EUI:  ")
	n.printArray(dev[:])
	join := n.keys.JoinEUI()
	n.printf("APP EUI:  ")
	n.printArray(join[:])
	info := n.keys.TKMInfo()
	n.printf("TKM INFO: ")
	n.printArray(info[:])
	n.printf("--------------------------------\r\n")
}
