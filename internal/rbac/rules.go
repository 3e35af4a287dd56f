package rbac

const (
	AssessmentCreate = "assessment:create"
	AssessmentView   = "assessment:view"
	AttemptCreate    = "attempt:create"
	AttemptSave      = "attempt:save"
	AttemptSubmit    = "attempt:submit"
	AttemptViewOwn   = "attempt:view-own"
	AttemptViewAll   = "attempt:view-all"
	AttemptSweep     = "attempt:sweep"
	CertificateIssue = "certificate:issue"
	CertificateView  = "certificate:view-own"
	ProgressViewOwn  = "progress:view-own"
	EnrollmentWrite  = "enrollment:write"
	EventsRead       = "events:read"
)

// Default policy. Admin gets everything.
var RolePermissions = map[string][]string{
	"student": {
		AssessmentView,
		AttemptCreate,
		AttemptSave,
		AttemptSubmit,
		AttemptViewOwn,
		"certificate:*",
		ProgressViewOwn,
	},
	"teacher": {
		AssessmentCreate,
		AssessmentView,
		AttemptViewOwn,
		AttemptViewAll,
		EnrollmentWrite,
	},
	"admin": {
		"*",
	},
}
