package cron

import "fmt"

// ExpressionFromInterval converts an "every N minutes/hours/days" schedule into a cron
// expression. Only the value matching interval is used.
func ExpressionFromInterval(interval string, minute, hour, day int) (string, error) {
	switch interval {
	case "minute":
		if minute < 1 || minute > 59 {
			return "", fmt.Errorf("minute interval must be between 1 and 59, got %d", minute)
		}
		return fmt.Sprintf("*/%d * * * *", minute), nil
	case "hour":
		if hour < 1 || hour > 23 {
			return "", fmt.Errorf("hour interval must be between 1 and 23, got %d", hour)
		}
		return fmt.Sprintf("0 */%d * * *", hour), nil
	case "day":
		if day < 1 || day > 31 {
			return "", fmt.Errorf("day interval must be between 1 and 31, got %d", day)
		}
		return fmt.Sprintf("0 0 */%d * *", day), nil
	case "":
		return "", fmt.Errorf("interval is empty")
	default:
		return "", fmt.Errorf("unsupported interval %q", interval)
	}
}
