package directory

// Roles
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleOffice  = "office"
)

// Broadcast criteria types
const (
	CriteriaAllStudents        = "all_students"
	CriteriaSpecificClass      = "specific_class"
	CriteriaAllTeachers        = "all_teachers"
	CriteriaSpecificDepartment = "specific_department"
)

var (
	AllRoles         = []string{RoleStudent, RoleTeacher, RoleOffice}
	AllCriteriaTypes = []string{CriteriaAllStudents, CriteriaSpecificClass, CriteriaAllTeachers, CriteriaSpecificDepartment}
)

type (
	// User is a member of the school directory. Records are owned by the
	// school records service; they are immutable within this system.
	User struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Role       string `json:"role"`
		Email      string `json:"email,omitempty"`
		ClassName  string `json:"class_name,omitempty"`
		Session    string `json:"session,omitempty"`
		Department string `json:"department,omitempty"`
	}

	// Criteria selects a recipient population for a broadcast.
	Criteria struct {
		Type       string `json:"type" validate:"required,criteriatype"`
		ClassName  string `json:"class_name,omitempty"`
		Session    string `json:"session,omitempty"`
		Department string `json:"department,omitempty"`
	}
)

func (u User) IsStudent() bool { return u.Role == RoleStudent }
func (u User) IsTeacher() bool { return u.Role == RoleTeacher }
func (u User) IsOffice() bool  { return u.Role == RoleOffice }
