package tracker

import (
	"time"

	"github.com/rickar/cal/v2"
)

// Day types used to bucket learned travel times. Holidays ride the sunday
// bucket since traffic behaves the same.
const (
	DayTypeWeekday  = "weekday"
	DayTypeSaturday = "saturday"
	DayTypeSunday   = "sunday"
)

// yektZone is the tram network's local zone (UTC+5, no DST)
var yektZone = time.FixedZone("YEKT", 5*60*60)

// Fixed-date Russian public holidays, including the January 1-8 New Year
// break
var russianHolidays = []*cal.Holiday{
	{Name: "New Year Holidays", Month: time.January, Day: 1, Func: cal.CalcDayOfMonth},
	{Name: "New Year Holidays", Month: time.January, Day: 2, Func: cal.CalcDayOfMonth},
	{Name: "New Year Holidays", Month: time.January, Day: 3, Func: cal.CalcDayOfMonth},
	{Name: "New Year Holidays", Month: time.January, Day: 4, Func: cal.CalcDayOfMonth},
	{Name: "New Year Holidays", Month: time.January, Day: 5, Func: cal.CalcDayOfMonth},
	{Name: "New Year Holidays", Month: time.January, Day: 6, Func: cal.CalcDayOfMonth},
	{Name: "Orthodox Christmas", Month: time.January, Day: 7, Func: cal.CalcDayOfMonth},
	{Name: "New Year Holidays", Month: time.January, Day: 8, Func: cal.CalcDayOfMonth},
	{Name: "Defender of the Fatherland Day", Month: time.February, Day: 23, Func: cal.CalcDayOfMonth},
	{Name: "International Women's Day", Month: time.March, Day: 8, Func: cal.CalcDayOfMonth},
	{Name: "Spring and Labour Day", Month: time.May, Day: 1, Func: cal.CalcDayOfMonth},
	{Name: "Victory Day", Month: time.May, Day: 9, Func: cal.CalcDayOfMonth},
	{Name: "Russia Day", Month: time.June, Day: 12, Func: cal.CalcDayOfMonth},
	{Name: "Unity Day", Month: time.November, Day: 4, Func: cal.CalcDayOfMonth},
}

// holidayCalendar classifies local days for travel time bucketing
type holidayCalendar struct {
	calendar *cal.BusinessCalendar
}

func makeHolidayCalendar() *holidayCalendar {
	calendar := cal.NewBusinessCalendar()
	calendar.AddHoliday(russianHolidays...)
	return &holidayCalendar{calendar: calendar}
}

// dayType returns the travel time bucket for a UTC instant, evaluated in
// local time
func (h *holidayCalendar) dayType(at time.Time) string {
	local := at.In(yektZone)
	if actual, observed, _ := h.calendar.IsHoliday(local); actual || observed {
		return DayTypeSunday
	}
	switch local.Weekday() {
	case time.Saturday:
		return DayTypeSaturday
	case time.Sunday:
		return DayTypeSunday
	}
	return DayTypeWeekday
}

// localHour returns the local hour [0,24) for a UTC instant
func localHour(at time.Time) int {
	return at.In(yektZone).Hour()
}
