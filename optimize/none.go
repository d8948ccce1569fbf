package optimize

// None is an optimizer which computes initial value and exits.
type None struct {
	BaseOptimizer
}

// NewNone creates an optimizer which computes initial likelihood only.
func NewNone() *None {
	return &None{}
}

// Run computes the likelihood at the starting point.
func (n *None) Run(iterations int) {
	n.evaluate()
	n.finish("none")
}
