// Pairwise interaction memory: each agent's last move against every other agent.
package agents

// Memory is a square matrix indexed by population position. Cell (i, j) is
// agent i's most recent move against agent j (true = cooperated). Cells start
// false, so an agent that never met its opponent looks like it defected.
type Memory struct {
	cells [][]bool
}

// NewMemory creates an n×n memory with all cells false.
func NewMemory(n int) *Memory {
	m := &Memory{cells: make([][]bool, n)}
	for i := range m.cells {
		m.cells[i] = make([]bool, n)
	}
	return m
}

// Len returns the matrix dimension.
func (m *Memory) Len() int {
	return len(m.cells)
}

// Get returns cell (i, j).
func (m *Memory) Get(i, j int) bool {
	return m.cells[i][j]
}

// Set writes cell (i, j).
func (m *Memory) Set(i, j int, v bool) {
	m.cells[i][j] = v
}

// Grow appends one zero row and one zero column.
func (m *Memory) Grow() {
	for i := range m.cells {
		m.cells[i] = append(m.cells[i], false)
	}
	m.cells = append(m.cells, make([]bool, len(m.cells)+1))
}

// Remove drops row k and column k, shifting higher indices down by one.
func (m *Memory) Remove(k int) {
	m.cells = append(m.cells[:k], m.cells[k+1:]...)
	for i := range m.cells {
		m.cells[i] = append(m.cells[i][:k], m.cells[i][k+1:]...)
	}
}

// Square reports whether every row has exactly Len cells.
func (m *Memory) Square() bool {
	for _, row := range m.cells {
		if len(row) != len(m.cells) {
			return false
		}
	}
	return true
}
