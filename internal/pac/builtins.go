package pac

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Resolver is the DNS lookup used by the PAC helper functions.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// environment holds the host capabilities the PAC helpers may use. It is
// shared by every runtime built for a Script and must stay read-only.
type environment struct {
	resolver    Resolver
	now         func() time.Time
	localIP     func() net.IP
	logger      *slog.Logger
	dnsTimeout  time.Duration
	evalTimeout time.Duration
	onFetched   func()

	patterns sync.Map // shExp -> *regexp.Regexp
}

// install binds the standard PAC helpers into vm. Nothing else from the
// host process is exposed to the script.
func (e *environment) install(vm *goja.Runtime) {
	boolFn := func(f func(call goja.FunctionCall) bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(f(call))
		}
	}

	vm.Set("isPlainHostName", boolFn(func(call goja.FunctionCall) bool {
		return !strings.Contains(call.Argument(0).String(), ".")
	}))
	vm.Set("dnsDomainIs", boolFn(func(call goja.FunctionCall) bool {
		return strings.HasSuffix(call.Argument(0).String(), call.Argument(1).String())
	}))
	vm.Set("localHostOrDomainIs", boolFn(func(call goja.FunctionCall) bool {
		return localHostOrDomainIs(call.Argument(0).String(), call.Argument(1).String())
	}))
	vm.Set("isResolvable", boolFn(func(call goja.FunctionCall) bool {
		return e.resolve(call.Argument(0).String()) != nil
	}))
	vm.Set("isInNet", boolFn(func(call goja.FunctionCall) bool {
		return e.isInNet(call.Argument(0).String(), call.Argument(1).String(), call.Argument(2).String())
	}))
	vm.Set("shExpMatch", boolFn(func(call goja.FunctionCall) bool {
		return e.shExpMatch(call.Argument(0).String(), call.Argument(1).String())
	}))
	vm.Set("weekdayRange", boolFn(func(call goja.FunctionCall) bool {
		return weekdayRange(e.now(), call.Arguments)
	}))
	vm.Set("dateRange", boolFn(func(call goja.FunctionCall) bool {
		return dateRange(e.now(), call.Arguments)
	}))
	vm.Set("timeRange", boolFn(func(call goja.FunctionCall) bool {
		return timeRange(e.now(), call.Arguments)
	}))
	vm.Set("dnsResolve", func(call goja.FunctionCall) goja.Value {
		ip := e.resolve(call.Argument(0).String())
		if ip == nil {
			return goja.Null()
		}
		return vm.ToValue(ip.String())
	})
	vm.Set("dnsDomainLevels", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(strings.Count(call.Argument(0).String(), "."))
	})
	vm.Set("myIpAddress", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(e.localIP().String())
	})
	vm.Set("alert", func(call goja.FunctionCall) goja.Value {
		e.logger.Debug("PAC alert", "message", call.Argument(0).String())
		return goja.Undefined()
	})
}

// resolve returns the first IPv4 address of host, or its first address of
// any family, or nil when the lookup fails.
func (e *environment) resolve(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.dnsTimeout)
	defer cancel()

	addrs, err := e.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
	}
	return addrs[0].IP
}

func (e *environment) isInNet(host, pattern, mask string) bool {
	ip := e.resolve(host).To4()
	pat := net.ParseIP(pattern).To4()
	m := net.ParseIP(mask).To4()
	if ip == nil || pat == nil || m == nil {
		return false
	}
	return ip.Mask(net.IPMask(m)).Equal(pat.Mask(net.IPMask(m)))
}

func (e *environment) shExpMatch(s, shexp string) bool {
	if re, ok := e.patterns.Load(shexp); ok {
		return re.(*regexp.Regexp).MatchString(s)
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range shexp {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	e.patterns.Store(shexp, re)
	return re.MatchString(s)
}

func localHostOrDomainIs(host, hostdom string) bool {
	if host == hostdom {
		return true
	}
	return !strings.Contains(host, ".") && strings.HasPrefix(hostdom, host+".")
}

// defaultLocalIP finds the address of the interface used for outbound
// traffic. Dialing UDP sends no packets.
func defaultLocalIP() net.IP {
	if conn, err := net.Dial("udp", "198.51.100.1:53"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP
		}
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && !n.IP.IsLoopback() && n.IP.To4() != nil {
				return n.IP
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}

var (
	weekdays = map[string]int{"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6}
	months   = map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}
)

// splitGMT drops a trailing "GMT" argument and picks the matching clock.
func splitGMT(now time.Time, args []goja.Value) (time.Time, []goja.Value) {
	if n := len(args); n > 0 && strings.EqualFold(args[n-1].String(), "GMT") {
		return now.UTC(), args[:n-1]
	}
	return now.Local(), args
}

// inRange reports lo <= v <= hi, wrapping around when lo > hi.
func inRange(v, lo, hi int) bool {
	if lo <= hi {
		return lo <= v && v <= hi
	}
	return v >= lo || v <= hi
}

func weekdayRange(now time.Time, args []goja.Value) bool {
	now, args = splitGMT(now, args)
	if len(args) == 0 || len(args) > 2 {
		return false
	}
	d1, ok := weekdays[strings.ToUpper(args[0].String())]
	if !ok {
		return false
	}
	d2 := d1
	if len(args) == 2 {
		if d2, ok = weekdays[strings.ToUpper(args[1].String())]; !ok {
			return false
		}
	}
	return inRange(int(now.Weekday()), d1, d2)
}

func intArgs(args []goja.Value) ([]int, bool) {
	out := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a.String())
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func timeRange(now time.Time, args []goja.Value) bool {
	now, args = splitGMT(now, args)
	n, ok := intArgs(args)
	if !ok {
		return false
	}
	hour, minute, sec := now.Clock()

	switch len(n) {
	case 1:
		return hour == n[0]
	case 2:
		// The end hour is exclusive: timeRange(9, 17) ends at 16:59:59.
		if n[0] <= n[1] {
			return n[0] <= hour && hour < n[1]
		}
		return hour >= n[0] || hour < n[1]
	case 4:
		cur := hour*60 + minute
		return inRange(cur, n[0]*60+n[1], n[2]*60+n[3])
	case 6:
		cur := hour*3600 + minute*60 + sec
		return inRange(cur, n[0]*3600+n[1]*60+n[2], n[3]*3600+n[4]*60+n[5])
	default:
		return false
	}
}

type dateField int

const (
	fieldDay dateField = iota
	fieldMonth
	fieldYear
)

type dateValue struct {
	field dateField
	value int
}

func parseDateArg(v goja.Value) (dateValue, bool) {
	s := v.String()
	if m, ok := months[strings.ToUpper(s)]; ok {
		return dateValue{fieldMonth, m}, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return dateValue{}, false
	}
	if n > 31 {
		return dateValue{fieldYear, n}, true
	}
	return dateValue{fieldDay, n}, true
}

// dateKey orders dates by significance using only the fields present.
func dateKey(vals []dateValue) int {
	key := 0
	for _, v := range vals {
		switch v.field {
		case fieldYear:
			key += v.value * 10000
		case fieldMonth:
			key += v.value * 100
		case fieldDay:
			key += v.value
		}
	}
	return key
}

func hasYear(vals []dateValue) bool {
	for _, v := range vals {
		if v.field == fieldYear {
			return true
		}
	}
	return false
}

func dateRange(now time.Time, args []goja.Value) bool {
	now, args = splitGMT(now, args)
	if len(args) == 0 || len(args) > 6 || (len(args) > 1 && len(args)%2 != 0) {
		return false
	}
	vals := make([]dateValue, len(args))
	for i, a := range args {
		v, ok := parseDateArg(a)
		if !ok {
			return false
		}
		vals[i] = v
	}

	year, month, day := now.Date()
	current := func(shape []dateValue) int {
		cur := make([]dateValue, len(shape))
		for i, s := range shape {
			cur[i] = dateValue{field: s.field}
			switch s.field {
			case fieldYear:
				cur[i].value = year
			case fieldMonth:
				cur[i].value = int(month)
			case fieldDay:
				cur[i].value = day
			}
		}
		return dateKey(cur)
	}

	if len(vals) == 1 {
		return current(vals) == dateKey(vals)
	}

	half := len(vals) / 2
	start, end := vals[:half], vals[half:]
	for i := range start {
		if start[i].field != end[i].field {
			return false
		}
	}
	lo, hi := dateKey(start), dateKey(end)
	if lo > hi && hasYear(start) {
		// Ranges spanning years cannot wrap.
		return false
	}
	return inRange(current(start), lo, hi)
}
