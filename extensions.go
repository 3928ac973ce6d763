package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeParentHash            ExtensionType = 0x0005
	ExtensionTypeSupportedVersions     ExtensionType = 0x0006
	ExtensionTypeSupportedCipherSuites ExtensionType = 0x0007
	ExtensionTypeLifetime              ExtensionType = 0x0008
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func NewExtensionList() *ExtensionList {
	return &ExtensionList{}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

//////////

// ParentHashExtension binds a leaf's KeyPackage to the tree shape it was
// committed into: the hash of the leaf's parent, the first node on its
// direct path, written when that path is signed (TreeKEMPath.Sign).
type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (phe ParentHashExtension) Type() ExtensionType {
	return ExtensionTypeParentHash
}

// ProtocolVersion identifies a wire version of the protocol itself, as
// advertised by a KeyPackage's SupportedVersionsExtension.
type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x00
)

type SupportedVersionsExtension struct {
	Versions []ProtocolVersion `tls:"head=1"`
}

func (sve SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

type SupportedCipherSuitesExtension struct {
	Suites []CipherSuite `tls:"head=1"`
}

func (sce SupportedCipherSuitesExtension) Type() ExtensionType {
	return ExtensionTypeSupportedCipherSuites
}

// LifetimeExtension carries the validity window of a KeyPackage
// (NotBefore/NotAfter). This package does not check it against the
// current time.
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func (le LifetimeExtension) Type() ExtensionType {
	return ExtensionTypeLifetime
}
