package models

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
)

// EntityClass names one reconciled entity class and keys the policy table.
type EntityClass string

const (
	ClassContact      EntityClass = "contact"
	ClassEmployment   EntityClass = "employment"
	ClassPayment      EntityClass = "payment"
	ClassRegistration EntityClass = "registration"
	ClassMember       EntityClass = "member"
)

// SyncClassOrder is the fixed dependency order: independent classes first,
// the member aggregate last. The orchestrator never deviates from it.
var SyncClassOrder = []EntityClass{
	ClassContact,
	ClassEmployment,
	ClassPayment,
	ClassRegistration,
	ClassMember,
}

type RegistrationStatus string

const (
	RegistrationStatusSubmitted RegistrationStatus = "Submitted"
	RegistrationStatusApproved  RegistrationStatus = "Approved"
	RegistrationStatusRejected  RegistrationStatus = "Rejected"
)

type MemberStatus string

const (
	MemberStatusActive    MemberStatus = "Active"
	MemberStatusLapsed    MemberStatus = "Lapsed"
	MemberStatusResigned  MemberStatus = "Resigned"
	MemberStatusSuspended MemberStatus = "Suspended"
)
