package shared

// Role names used across the workflow. Approver roles are matched against
// the approval policy table; the rest gate endpoint access.
const (
	RoleRequester   = "requester"
	RoleManager     = "manager"
	RoleFinanceHead = "finance_head"
	RoleProcurement = "procurement_officer"
	RoleFinance     = "finance"
	RoleVendor      = "vendor"
	RoleAdmin       = "admin"
)
