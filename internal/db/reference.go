package db

import (
	"context"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/model"
)

func (q *Queries) GetUser(ctx context.Context, userID uuid.UUID) (model.User, error) {
	var user model.User
	row := q.db.QueryRow(ctx, `
		SELECT id, rut, first_name, last_name, phone, user_type
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(&user.ID, &user.Rut, &user.FirstName, &user.LastName, &user.Phone, &user.UserType)
	return user, err
}

func (q *Queries) GetStudent(ctx context.Context, studentID uuid.UUID) (model.Student, error) {
	var student model.Student
	row := q.db.QueryRow(ctx, `
		SELECT id, rut, first_name, last_name, course_name, guardian_user_id
		FROM students
		WHERE id = $1
	`, studentID)
	err := row.Scan(&student.ID, &student.Rut, &student.FirstName, &student.LastName, &student.CourseName, &student.GuardianUserID)
	return student, err
}

func (q *Queries) ListStudentsByGuardian(ctx context.Context, guardianUserID uuid.UUID) ([]model.Student, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, rut, first_name, last_name, course_name, guardian_user_id
		FROM students
		WHERE guardian_user_id = $1
		ORDER BY first_name, last_name
	`, guardianUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		var student model.Student
		if err := rows.Scan(&student.ID, &student.Rut, &student.FirstName, &student.LastName, &student.CourseName, &student.GuardianUserID); err != nil {
			return nil, err
		}
		students = append(students, student)
	}
	return students, rows.Err()
}

func (q *Queries) GetReason(ctx context.Context, reasonID uuid.UUID) (model.WithdrawalReason, error) {
	var reason model.WithdrawalReason
	row := q.db.QueryRow(ctx, `SELECT id, name FROM withdrawal_reasons WHERE id = $1`, reasonID)
	err := row.Scan(&reason.ID, &reason.Name)
	return reason, err
}

func (q *Queries) ListReasons(ctx context.Context) ([]model.WithdrawalReason, error) {
	rows, err := q.db.Query(ctx, `SELECT id, name FROM withdrawal_reasons ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reasons []model.WithdrawalReason
	for rows.Next() {
		var reason model.WithdrawalReason
		if err := rows.Scan(&reason.ID, &reason.Name); err != nil {
			return nil, err
		}
		reasons = append(reasons, reason)
	}
	return reasons, rows.Err()
}
