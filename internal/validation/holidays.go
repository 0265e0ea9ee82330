package validation

import "time"

// fixedHolidays are the Norwegian public holidays that fall on the same
// calendar date every year.
var fixedHolidays = []struct {
	month time.Month
	day   int
}{
	{time.January, 1},   // New Year's Day
	{time.May, 1},       // Labour Day
	{time.May, 17},      // Constitution Day
	{time.December, 25}, // Christmas Day
	{time.December, 26}, // Boxing Day
}

// easterSunday computes Easter Sunday for a year using the anonymous
// Gregorian computus (Meeus/Jones/Butcher).
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// IsHoliday reports whether the date is a Norwegian public holiday,
// including the Easter-derived movable days.
func IsHoliday(date time.Time) bool {
	for _, h := range fixedHolidays {
		if date.Month() == h.month && date.Day() == h.day {
			return true
		}
	}

	easter := easterSunday(date.Year())
	movable := []time.Time{
		easter.AddDate(0, 0, -3), // Maundy Thursday
		easter.AddDate(0, 0, -2), // Good Friday
		easter,                   // Easter Sunday
		easter.AddDate(0, 0, 1),  // Easter Monday
		easter.AddDate(0, 0, 39), // Ascension Day
		easter.AddDate(0, 0, 49), // Whit Sunday
		easter.AddDate(0, 0, 50), // Whit Monday
	}
	for _, m := range movable {
		if date.Month() == m.Month() && date.Day() == m.Day() {
			return true
		}
	}
	return false
}

func IsWeekend(date time.Time) bool {
	wd := date.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsBusinessDay reports whether settlements would normally run on this date.
func IsBusinessDay(date time.Time) bool {
	return !IsWeekend(date) && !IsHoliday(date)
}
