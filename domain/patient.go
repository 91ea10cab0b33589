package domain

type Patient struct {
	ID          string `db:"id" json:"id"`
	FirstName   string `db:"first_name" json:"first_name"`
	LastName    string `db:"last_name" json:"last_name"`
	DateOfBirth string `db:"date_of_birth" json:"date_of_birth"`
	Gender      string `db:"gender" json:"gender"`
	Email       string `db:"email" json:"email"`
	Active      bool   `db:"is_active" json:"active"`
}

func (p Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}
