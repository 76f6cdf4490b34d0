package firewall

import (
	"encoding/binary"
	"net"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// ifnameBytes pads an interface name to IFNAMSIZ, as required by meta
// IIFNAME/OIFNAME comparisons.
func ifnameBytes(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

// buildExprs compiles Tokens into the nftables expression list for one
// rule, mirroring what Tokens.Render would print as nft syntax.
func buildExprs(t Tokens) []expr.Any {
	var exprs []expr.Any

	metaKey := expr.MetaKeyOIFNAME
	if t.IfnameField == "iifname" {
		metaKey = expr.MetaKeyIIFNAME
	}
	exprs = append(exprs,
		&expr.Meta{Key: metaKey, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(t.Tap)},
	)

	if t.SrcCIDR != "" {
		exprs = append(exprs, cidrMatch(t.SrcCIDR, 12)...) // ip saddr offset
	}
	if t.DstCIDR != "" {
		exprs = append(exprs, cidrMatch(t.DstCIDR, 16)...) // ip daddr offset
	}

	protoNum, hasProto := protocolNumber(t.Protocol)
	if hasProto {
		exprs = append(exprs,
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 9, Len: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{protoNum}},
		)
	}

	if t.DstPortMin != 0 || t.DstPortMax != 0 {
		exprs = append(exprs, portMatch(t.DstPortMin, t.DstPortMax, 2)...) // dest port offset within L4 header
	}
	if t.SrcPortMin != 0 || t.SrcPortMax != 0 {
		exprs = append(exprs, portMatch(t.SrcPortMin, t.SrcPortMax, 0)...) // src port offset
	}

	if len(t.ConnStates) > 0 {
		exprs = append(exprs, ctStateMatch(t.ConnStates)...)
	}

	exprs = append(exprs, verdictExpr(t.Action))
	return exprs
}

func protocolNumber(proto string) (byte, bool) {
	switch proto {
	case "tcp":
		return unix.IPPROTO_TCP, true
	case "udp":
		return unix.IPPROTO_UDP, true
	case "icmp":
		return unix.IPPROTO_ICMP, true
	default:
		return 0, false
	}
}

func cidrMatch(cidr string, offset uint32) []expr.Any {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil
	}
	mask := ipnet.Mask
	masked := ip.To4().Mask(mask)

	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: []byte(mask), Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(masked.To4())},
	}
}

func portMatch(min, max int, offset uint32) []expr.Any {
	base := []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
	}
	if min == max {
		return append(base, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(min))})
	}
	return append(base,
		&expr.Range{
			Register: 1,
			Lower:    binaryutil.BigEndian.PutUint16(uint16(min)),
			Upper:    binaryutil.BigEndian.PutUint16(uint16(max)),
		},
	)
}

func ctStateMatch(states []string) []expr.Any {
	var mask uint32
	for _, s := range states {
		switch s {
		case "established":
			mask |= 1 << 1
		case "related":
			mask |= 1 << 2
		case "new":
			mask |= 1 << 3
		case "invalid":
			mask |= 1 << 0
		}
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, mask)

	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: data, Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
	}
}

func verdictExpr(action string) expr.Any {
	switch action {
	case "drop":
		return &expr.Verdict{Kind: expr.VerdictDrop}
	case "reject":
		return &expr.Reject{Type: unix.NFT_REJECT_ICMP_UNREACH}
	default:
		return &expr.Verdict{Kind: expr.VerdictAccept}
	}
}

func jumpExpr(chain string) expr.Any {
	return &expr.Verdict{Kind: expr.VerdictJump, Chain: chain}
}
