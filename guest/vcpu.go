package guest

// FaultStatus mirrors the handful of stage-2 fault status codes (FSC_*)
// the dispatcher distinguishes between.
type FaultStatus int

const (
	FscFault FaultStatus = iota // translation fault
	FscPerm                     // permission fault
	FscOther
)

// TrapClass mirrors kvm_vcpu_trap_get_class, used only for diagnostics on
// an unsupported fault status.
type TrapClass int

// VcpuFault is the subset of a trapped VCPU's state the dispatcher needs,
// decoded by the (external) CPU-trap front-end: kvm_vcpu_trap_is_iabt,
// kvm_vcpu_get_fault_ipa, kvm_vcpu_get_hsr, kvm_vcpu_get_hfar,
// kvm_vcpu_trap_get_fault, kvm_vcpu_trap_get_class, kvm_vcpu_dabt_iswrite.
type VcpuFault struct {
	IsIabt    bool
	FaultIpa  uint64
	Hsr       uint32
	Hfar      uint64
	Status    FaultStatus
	Class     TrapClass
	WriteFault bool
}

// Vcpu is the per-VCPU collaborator the dispatcher calls into to inject
// aborts. The VCPU's mmu-page-cache reserve is passed to the dispatcher
// separately.
type Vcpu interface {
	// InjectPrefetchAbort injects a prefetch abort at the given faulting
	// host-facing address (kvm_inject_pabt).
	InjectPrefetchAbort(hfar uint64)
}
