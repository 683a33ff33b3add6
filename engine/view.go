package engine

import (
	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/version"
)

// View is the View of a Core wasm artifact. It is built from the descriptor
// alone and holds no reference to the instance.
type View struct {
	desc *artifact.Descriptor
}

func (v *View) ViewID() modrt.ViewID          { return v.desc.ViewIDValue() }
func (v *View) Name() string                  { return v.desc.View }
func (v *View) APIVersion() version.Tag       { return v.desc.APITag() }
func (v *View) DataVersion() version.Tag      { return v.desc.DataTag() }
func (v *View) Fragments() []modrt.FragmentID { return v.desc.FragmentIDs() }
func (v *View) Methods() []modrt.Method       { return v.desc.ContractMethods() }
func (v *View) Models() []modrt.ModelTypeInfo { return v.desc.ModelInfos() }
