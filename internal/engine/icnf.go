package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
)

// cubeLine matches the cube lines of incremental DIMACS.
var cubeLine = regexp.MustCompile(`(?m)^\s*a\s`)

// readCubes separates the cubes ("a <lits> 0") of an incremental DIMACS
// formula from its clauses. Plain DIMACS is returned unchanged; otherwise
// the clauses come back as DIMACS with a recomputed header.
func readCubes(data []byte) ([]byte, [][]int, error) {
	if !bytes.Contains(data, []byte("inccnf")) && !cubeLine.Match(data) {
		return data, nil, nil
	}

	var (
		body    bytes.Buffer
		cubes   [][]int
		vars    int
		clauses int
		open    bool
	)
	track := func(lit int) {
		if lit < 0 {
			lit = -lit
		}
		if lit > vars {
			vars = lit
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == 'c' || line[0] == 'p' || line[0] == '%' {
			continue
		}
		if line[0] == 'a' {
			lits, err := literals(line[1:])
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: %w", n, err)
			}
			if len(lits) == 0 || lits[len(lits)-1] != 0 {
				return nil, nil, fmt.Errorf("line %d: cube not terminated by 0", n)
			}
			cube := lits[:len(lits)-1]
			for _, l := range cube {
				if l == 0 {
					return nil, nil, fmt.Errorf("line %d: 0 inside cube", n)
				}
				track(l)
			}
			cubes = append(cubes, cube)
			continue
		}
		lits, err := literals(line)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", n, err)
		}
		for _, l := range lits {
			if l == 0 {
				clauses++
				open = false
				continue
			}
			open = true
			track(l)
		}
		body.Write(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	if open {
		clauses++
		body.WriteString("0\n")
	}

	out := make([]byte, 0, body.Len()+32)
	out = fmt.Appendf(out, "p cnf %d %d\n", vars, clauses)
	return append(out, body.Bytes()...), cubes, nil
}

func literals(b []byte) ([]int, error) {
	fields := bytes.Fields(b)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		l, err := strconv.Atoi(string(f))
		if err != nil {
			return nil, fmt.Errorf("invalid literal %q", f)
		}
		out = append(out, l)
	}
	return out, nil
}
